package indexer

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"filbeam-backend/internal/models"
)

const (
	testSecret       = "s3cret"
	testSecretHeader = "X-Webhook-Secret"
)

func newTestHandlers(t *testing.T) (*Handlers, *fakeStore, *fakeScreener) {
	t.Helper()
	st := newFakeStore()
	scr := newFakeScreener()
	ix, _ := newTestIndexer(t, st, scr)
	return NewHandlers(ix, testSecret, testSecretHeader), st, scr
}

func deliver(t *testing.T, h *Handlers, method, path, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(testSecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return out
}

func TestWebhookSecret(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{name: "valid", secret: testSecret, want: http.StatusOK},
		{name: "wrong", secret: "nope", want: http.StatusUnauthorized},
		{name: "missing", secret: "", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := deliver(t, h, "POST", "/service-provider-registry/provider-removed", tc.secret, `{"provider_id":"sp1"}`)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestWebhookSecretUnconfiguredFailsClosed(t *testing.T) {
	st := newFakeStore()
	ix, _ := newTestIndexer(t, st, newFakeScreener())
	h := NewHandlers(ix, "", testSecretHeader)

	rec := deliver(t, h, "POST", "/service-provider-registry/provider-removed", "", `{"provider_id":"sp1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no secret is configured", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := deliver(t, h, "GET", "/fwss/data-set-created", testSecret, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestWebhookBadJSON(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := deliver(t, h, "POST", "/fwss/piece-added", testSecret, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleDataSetCreated(t *testing.T) {
	h, st, _ := newTestHandlers(t)

	rec := deliver(t, h, "POST", "/fwss/data-set-created", testSecret,
		`{"data_set_id":"ds1","payer_address":"0xAA","service_provider_id":"sp1","with_cdn":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decodeResponse(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
	if len(st.dataSets) != 1 {
		t.Fatalf("expected 1 data set, got %d", len(st.dataSets))
	}
}

func TestHandleDataSetCreated_MissingFields(t *testing.T) {
	h, st, _ := newTestHandlers(t)
	rec := deliver(t, h, "POST", "/fwss/data-set-created", testSecret, `{"data_set_id":"ds1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(st.dataSets) != 0 {
		t.Error("incomplete delivery must not create a data set")
	}
}

func TestHandleDataSetCreated_ScreeningFailureQueuesRetry(t *testing.T) {
	h, st, scr := newTestHandlers(t)
	scr.errFor["0xaa"] = errors.New("screening api down")

	rec := deliver(t, h, "POST", "/fwss/data-set-created", testSecret,
		`{"data_set_id":"ds1","payer_address":"0xAA","service_provider_id":"sp1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: delivery is accepted and retried internally", rec.Code)
	}
	if got := decodeResponse(t, rec)["status"]; got != "queued" {
		t.Errorf("status field = %q, want queued", got)
	}
	if len(st.dataSets) != 0 {
		t.Error("data set must not be created while screening is failing")
	}
	if len(st.enqueued) != 1 || st.enqueued[0].msgType != models.MsgDataSetCreated {
		t.Fatalf("expected one queued data-set-created retry, got %+v", st.enqueued)
	}
}

func TestHandleDataSetCreated_RetryEnqueueFailure(t *testing.T) {
	h, st, scr := newTestHandlers(t)
	scr.errFor["0xaa"] = errors.New("screening api down")
	st.enqueueErr = errors.New("queue unavailable")

	rec := deliver(t, h, "POST", "/fwss/data-set-created", testSecret,
		`{"data_set_id":"ds1","payer_address":"0xAA","service_provider_id":"sp1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 when the retry cannot be queued", rec.Code)
	}
}

func TestHandlePieceAdded(t *testing.T) {
	h, st, _ := newTestHandlers(t)

	rec := deliver(t, h, "POST", "/fwss/piece-added", testSecret,
		`{"data_set_id":"ds1","piece_id":"p1","piece_cid":"0155","payer_address":"0xaa"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(st.pieces) != 1 || st.pieces[0].CID != "bafkq" {
		t.Fatalf("pieces = %+v", st.pieces)
	}
}

func TestHandlePieceAdded_BadCID(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := deliver(t, h, "POST", "/fwss/piece-added", testSecret,
		`{"data_set_id":"ds1","piece_id":"p1","piece_cid":"zz","payer_address":"0xaa"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an undecodable piece cid", rec.Code)
	}
}

func TestHandleServiceTerminatedVariants(t *testing.T) {
	h, st, _ := newTestHandlers(t)

	rec := deliver(t, h, "POST", "/fwss/service-terminated", testSecret,
		`{"data_set_id":"ds1","block_number":1000,"tx_hash":"0xabc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("service-terminated status = %d", rec.Code)
	}
	rec = deliver(t, h, "POST", "/fwss/cdn-service-terminated", testSecret,
		`{"data_set_id":"ds2","block_number":1000,"tx_hash":"0xabc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cdn-service-terminated status = %d", rec.Code)
	}

	if len(st.terminations) != 2 {
		t.Fatalf("expected 2 terminations, got %d", len(st.terminations))
	}
	if st.terminations[0].txHash == nil || *st.terminations[0].txHash != "0xabc" {
		t.Error("service-terminated should record the tx hash")
	}
	if st.terminations[1].txHash != nil {
		t.Error("cdn-service-terminated must not record the tx hash")
	}
}

func TestHandleRailsToppedUp_MissingEventID(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := deliver(t, h, "POST", "/fwss/cdn-payment-rails-topped-up", testSecret,
		`{"data_set_id":"ds1","cdn_lockup_added":"1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without the event id", rec.Code)
	}
}

func TestHandlePaymentSettled(t *testing.T) {
	h, st, _ := newTestHandlers(t)
	rec := deliver(t, h, "POST", "/filbeam-operator/cdn-payment-settled", testSecret,
		`{"data_set_id":"ds1","block_number":5000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.settlements) != 1 {
		t.Fatalf("expected 1 settlement, got %d", len(st.settlements))
	}
}

func TestHandleProductRoutes(t *testing.T) {
	h, st, _ := newTestHandlers(t)

	body := `{"provider_id":"sp1","product_type":0,"block_number":10,"capability_keys":["serviceURL"],"capability_values":["` + hexstr("https://provider.example") + `"]}`
	for _, path := range []string{
		"/service-provider-registry/product-added",
		"/service-provider-registry/product-updated",
	} {
		rec := deliver(t, h, "POST", path, testSecret, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body %s", path, rec.Code, rec.Body)
		}
	}
	if st.providers["sp1"].ServiceURL != "https://provider.example" {
		t.Fatalf("provider = %+v", st.providers["sp1"])
	}

	rec := deliver(t, h, "POST", "/service-provider-registry/product-removed", testSecret,
		`{"provider_id":"sp1","product_type":0,"block_number":11}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("product-removed status = %d", rec.Code)
	}
	if !st.providers["sp1"].IsDeleted {
		t.Error("provider should be tombstoned after product-removed")
	}
}
