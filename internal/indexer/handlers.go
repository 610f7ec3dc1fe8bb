package indexer

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"filbeam-backend/internal/metrics"
)

// Handlers is the HTTP delivery layer for forwarder webhooks. Every route is
// POST-only and guarded by the shared secret header.
type Handlers struct {
	ix           *Indexer
	secret       string
	secretHeader string
}

func NewHandlers(ix *Indexer, secret, secretHeader string) *Handlers {
	return &Handlers{ix: ix, secret: secret, secretHeader: secretHeader}
}

// RegisterRoutes mounts the webhook routes on the internal router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	hooks := r.NewRoute().Subrouter()
	hooks.Use(h.requireSecret)

	hooks.HandleFunc("/fwss/data-set-created", h.handleDataSetCreated).Methods("POST")
	hooks.HandleFunc("/fwss/piece-added", h.handlePieceAdded).Methods("POST")
	hooks.HandleFunc("/pdp-verifier/pieces-removed", h.handlePiecesRemoved).Methods("POST")
	hooks.HandleFunc("/fwss/service-terminated", h.handleServiceTerminated).Methods("POST")
	hooks.HandleFunc("/fwss/cdn-service-terminated", h.handleCDNServiceTerminated).Methods("POST")
	hooks.HandleFunc("/fwss/cdn-payment-rails-topped-up", h.handleRailsToppedUp).Methods("POST")
	hooks.HandleFunc("/service-provider-registry/product-added", h.handleProductChanged).Methods("POST")
	hooks.HandleFunc("/service-provider-registry/product-updated", h.handleProductChanged).Methods("POST")
	hooks.HandleFunc("/service-provider-registry/product-removed", h.handleProductRemoved).Methods("POST")
	hooks.HandleFunc("/service-provider-registry/provider-removed", h.handleProviderRemoved).Methods("POST")
	hooks.HandleFunc("/filbeam-operator/cdn-payment-settled", h.handlePaymentSettled).Methods("POST")
}

// requireSecret rejects deliveries whose shared secret header does not match
// the configured value. An unconfigured secret fails closed.
func (h *Handlers) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(h.secretHeader)
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.respondError(w, r, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func outcomeFor(status int) string {
	switch {
	case status < 300:
		return "ok"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status < 500:
		return "invalid"
	default:
		return "error"
	}
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	metrics.WebhookEvents.WithLabelValues(r.URL.Path, outcomeFor(status)).Inc()
	writeJSON(w, status, v)
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.respond(w, r, status, map[string]string{"error": msg})
}

// finish maps a processing result onto the delivery response: payload errors
// are the forwarder's fault (400), everything else is ours (500).
func (h *Handlers) finish(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		h.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	var pe payloadError
	if errors.As(err, &pe) {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("[indexer] %s failed: %v", r.URL.Path, err)
	h.respondError(w, r, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, h *Handlers, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Delivery handlers ---

func (h *Handlers) handleDataSetCreated(w http.ResponseWriter, r *http.Request) {
	var body dataSetCreatedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || body.PayerAddress == "" || body.ServiceProviderID == "" {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id, payer_address and service_provider_id are required")
		return
	}

	if err := h.ix.ProcessDataSetCreated(r.Context(), body); err != nil {
		// The screening API flakes; accept the delivery and retry from the
		// queue instead of bouncing it back to the forwarder.
		log.Printf("[indexer] data-set-created %s failed, queueing retry: %v", body.DataSetID, err)
		if qerr := h.ix.RetryDataSetCreated(r.Context(), body); qerr != nil {
			h.respondError(w, r, http.StatusInternalServerError, "failed to queue retry")
			return
		}
		h.respond(w, r, http.StatusOK, map[string]string{"status": "queued"})
		return
	}
	h.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handlePieceAdded(w http.ResponseWriter, r *http.Request) {
	var body pieceAddedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || body.PieceID == "" || body.PieceCID == "" || body.PayerAddress == "" {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id, piece_id, piece_cid and payer_address are required")
		return
	}
	h.finish(w, r, h.ix.ProcessPieceAdded(r.Context(), body))
}

func (h *Handlers) handlePiecesRemoved(w http.ResponseWriter, r *http.Request) {
	var body piecesRemovedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || len(body.PieceIDs) == 0 {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id and piece_ids are required")
		return
	}
	h.finish(w, r, h.ix.ProcessPiecesRemoved(r.Context(), body))
}

func (h *Handlers) handleServiceTerminated(w http.ResponseWriter, r *http.Request) {
	var body serviceTerminatedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || body.BlockNumber == 0 {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id and block_number are required")
		return
	}
	h.finish(w, r, h.ix.ProcessServiceTerminated(r.Context(), body, true))
}

func (h *Handlers) handleCDNServiceTerminated(w http.ResponseWriter, r *http.Request) {
	var body serviceTerminatedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || body.BlockNumber == 0 {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id and block_number are required")
		return
	}
	h.finish(w, r, h.ix.ProcessServiceTerminated(r.Context(), body, false))
}

func (h *Handlers) handleRailsToppedUp(w http.ResponseWriter, r *http.Request) {
	var body railsToppedUpPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.EventID == "" || body.DataSetID == "" {
		h.respondError(w, r, http.StatusBadRequest, "id and data_set_id are required")
		return
	}
	h.finish(w, r, h.ix.ProcessRailsToppedUp(r.Context(), body))
}

func (h *Handlers) handleProductChanged(w http.ResponseWriter, r *http.Request) {
	var body productChangedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.ProviderID == "" || body.BlockNumber <= 0 {
		h.respondError(w, r, http.StatusBadRequest, "provider_id and block_number are required")
		return
	}
	h.finish(w, r, h.ix.ProcessProductChanged(r.Context(), body))
}

func (h *Handlers) handleProductRemoved(w http.ResponseWriter, r *http.Request) {
	var body productChangedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.ProviderID == "" || body.BlockNumber <= 0 {
		h.respondError(w, r, http.StatusBadRequest, "provider_id and block_number are required")
		return
	}
	h.finish(w, r, h.ix.ProcessProductRemoved(r.Context(), body))
}

func (h *Handlers) handleProviderRemoved(w http.ResponseWriter, r *http.Request) {
	var body providerRemovedPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.ProviderID == "" {
		h.respondError(w, r, http.StatusBadRequest, "provider_id is required")
		return
	}
	h.finish(w, r, h.ix.ProcessProviderRemoved(r.Context(), body))
}

func (h *Handlers) handlePaymentSettled(w http.ResponseWriter, r *http.Request) {
	var body paymentSettledPayload
	if !decodeBody(w, r, h, &body) {
		return
	}
	if body.DataSetID == "" || body.BlockNumber == 0 {
		h.respondError(w, r, http.StatusBadRequest, "data_set_id and block_number are required")
		return
	}
	h.finish(w, r, h.ix.ProcessPaymentSettled(r.Context(), body))
}
