package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"filbeam-backend/internal/config"
	"filbeam-backend/internal/eventbus"
	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/models"
)

// Store is the slice of the persistence layer the gateway needs.
type Store interface {
	GetRetrievalCandidates(ctx context.Context, cid string) ([]models.RetrievalCandidate, error)
	LogRetrievalResult(ctx context.Context, l models.RetrievalLog) error
	UpdateDataSetStats(ctx context.Context, dataSetID string, egressBytes int64, cacheMiss, enforce bool) error
}

// Denylist answers bad-bits membership questions.
type Denylist interface {
	IsDenylisted(ctx context.Context, cid string) (bool, error)
}

// Server is the public retrieval edge: it authorizes payers, picks a storage
// provider, streams piece bytes through the origin cache and meters every
// response for usage accounting.
type Server struct {
	cfg        *config.Config
	store      Store
	denylist   Denylist
	origin     fetcher
	bus        *eventbus.Bus
	limiter    *ipLimiter
	httpServer *http.Server

	// detached tracks measurement and accounting goroutines that outlive
	// their request.
	detached sync.WaitGroup
}

func NewServer(cfg *config.Config, store Store, denylist Denylist, bus *eventbus.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		denylist: denylist,
		origin:   newCachingFetcher(cfg.OriginFetchTimeout, cfg.OriginCacheTTL, cfg.MaxCacheObjectBytes),
		bus:      bus,
		limiter:  newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
	})
	r.PathPrefix("/").
		Methods(http.MethodGet, http.MethodHead).
		Handler(s.limiter.middleware(http.HandlerFunc(s.handleRetrieval)))

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[gateway] listening on %s", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Drain blocks until every detached measurement goroutine has finished, so a
// shutdown never loses usage rows that were still being written.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleRetrieval deals with the redirects that bypass the pipeline, then
// hands qualifying requests to the retrieval flow. A panic below this point
// still produces a logged synthetic row.
func (s *Server) handleRetrieval(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[gateway] panic serving %s%s: %v", r.Host, r.URL.Path, p)
			s.failRetrieval(w, r, httpError(http.StatusInternalServerError, "Internal server error."), nil)
		}
	}()

	host := requestHost(r)

	// Legacy domain: permanent redirect onto the current root.
	if host == s.cfg.LegacyDNSRoot || strings.HasSuffix(host, "."+s.cfg.LegacyDNSRoot) {
		target := *r.URL
		target.Scheme = "https"
		target.Host = strings.TrimSuffix(host, s.cfg.LegacyDNSRoot) + s.cfg.DNSRoot
		http.Redirect(w, r, target.String(), http.StatusMovedPermanently)
		return
	}

	if r.URL.Path == "/" {
		http.Redirect(w, r, s.cfg.MarketingURL, http.StatusFound)
		return
	}

	s.serveRetrieval(w, r)
}

func (s *Server) serveRetrieval(w http.ResponseWriter, r *http.Request) {
	workerStart := time.Now()

	req, serr := s.parseRetrievalRequest(r)
	if serr != nil {
		s.failRetrieval(w, r, serr, nil)
		return
	}

	// Bad-bits lookup runs while the candidate query is in flight.
	denyCh := s.checkDenylist(r.Context(), req.CID)

	rows, err := s.store.GetRetrievalCandidates(r.Context(), req.CID)
	if err != nil {
		log.Printf("[gateway] candidate query for %s: %v", req.CID, err)
		s.failRetrieval(w, r, httpError(http.StatusInternalServerError, "Internal server error."), req)
		return
	}

	candidates, serr := s.authorizeRetrieval(rows, req.Payer)
	if serr != nil {
		s.failRetrieval(w, r, serr, req)
		return
	}

	deny := <-denyCh
	if deny.err != nil {
		// Denylist store trouble must not take down retrievals.
		log.Printf("[gateway] denylist lookup for %s: %v", req.CID, deny.err)
	} else if deny.hit {
		s.failRetrieval(w, r, httpError(http.StatusNotFound,
			"This content has been blocked: it appears on the Bad Bits Denylist (https://badbits.dwebops.pub/)."), req)
		return
	}

	var attempts []models.RetrievalCandidate
	remaining := candidates
	for len(remaining) > 0 {
		var cand models.RetrievalCandidate
		cand, remaining = pickCandidate(remaining)
		attempts = append(attempts, cand)

		fetchStart := time.Now()
		url := strings.TrimRight(*cand.ServiceURL, "/") + "/piece/" + req.CID
		resp, err := s.origin.Fetch(r.Context(), r.Method, url, r.Header.Get("Range"))
		if err != nil {
			log.Printf("[gateway] origin fetch %s: %v", url, err)
			continue
		}
		if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
			resp.Body.Close()
			log.Printf("[gateway] origin %s answered %d", url, resp.Status)
			continue
		}

		s.streamResponse(w, r, req, cand, resp, fetchStart, workerStart)
		return
	}

	s.failExhausted(w, r, req, attempts)
}

// streamResponse writes the envelope and streams the body to the client while
// the pump counts every byte in the background.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, req *retrievalRequest, cand models.RetrievalCandidate, resp *originResponse, fetchStart, workerStart time.Time) {
	copyOriginHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Data-Set-ID", cand.DataSetID)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.ClientCacheTTLSeconds))
	w.Header().Set("Content-Security-Policy", s.csp())
	w.Header().Set("X-Cache", resp.CacheState)
	metrics.OriginCacheLookups.WithLabelValues(strings.ToLower(resp.CacheState)).Inc()

	params := meterParams{
		status:      resp.Status,
		cacheMiss:   !resp.FromCache(),
		dataSetID:   cand.DataSetID,
		botName:     optional(req.BotName),
		countryCode: requestCountry(r),
		fetchStart:  fetchStart,
		workerStart: workerStart,
	}

	pr, pw := io.Pipe()
	s.detached.Add(1)
	go s.meterBody(resp.Body, pw, params)

	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		pr.Close()
		return
	}
	if _, err := io.Copy(w, pr); err != nil {
		// Client went away; the pump keeps draining for the count.
		pr.CloseWithError(err)
		return
	}
	pr.Close()
}

// failRetrieval answers a pipeline failure and logs a synthetic row with no
// body measurement.
func (s *Server) failRetrieval(w http.ResponseWriter, r *http.Request, serr *statusError, req *retrievalRequest) {
	l := models.RetrievalLog{
		Timestamp:          time.Now().UTC(),
		ResponseStatus:     serr.code,
		RequestCountryCode: requestCountry(r),
	}
	if req != nil {
		l.BotName = optional(req.BotName)
	}
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		s.recordRetrieval(l)
	}()

	http.Error(w, serr.msg, serr.code)
}

// failExhausted answers 502 after every provider failed, listing each attempt
// for the client.
func (s *Server) failExhausted(w http.ResponseWriter, r *http.Request, req *retrievalRequest, attempts []models.RetrievalCandidate) {
	ids := make([]string, 0, len(attempts))
	lines := make([]string, 0, len(attempts))
	for _, c := range attempts {
		ids = append(ids, c.DataSetID)
		lines = append(lines, fmt.Sprintf("ID=%s(Service URL=%s)", c.ServiceProviderID, *c.ServiceURL))
	}
	w.Header().Set("X-Data-Set-ID", strings.Join(ids, ", "))
	s.failRetrieval(w, r, httpError(http.StatusBadGateway, "%s", strings.Join(lines, "\n")), req)
}

func (s *Server) csp() string {
	csp := "default-src 'self' https://*." + s.cfg.DNSRoot
	if s.cfg.CSPExtraSources != "" {
		csp += " " + s.cfg.CSPExtraSources
	}
	return csp
}

// copyOriginHeaders forwards the content-describing headers; everything else
// (caching, security) is set by the envelope.
func copyOriginHeaders(dst, src http.Header) {
	for _, k := range []string{
		"Content-Type", "Content-Length", "Content-Range",
		"Accept-Ranges", "Etag", "Last-Modified",
	} {
		if v := src.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
