// Package ops serves the internal listener: webhook ingestion, health and
// status probes, and the Prometheus scrape endpoint. It is reachable only
// inside the deployment; nothing here is exposed to retrieval clients.
package ops

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/store"
)

// Store is the persistence slice the ops endpoints need.
type Store interface {
	Ping(ctx context.Context) error
	GetStatusCounts(ctx context.Context) (*store.StatusCounts, error)
}

// RouteRegistrar mounts additional routes on the internal router; the
// indexer's webhook handlers implement it.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// Server is the internal HTTP listener.
type Server struct {
	store      Store
	httpServer *http.Server
}

func NewServer(addr string, st Store, registrars ...RouteRegistrar) *Server {
	s := &Server{store: st}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	for _, reg := range registrars {
		reg.RegisterRoutes(r)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[ops] internal listener on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.Printf("[ops] health check store ping failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetStatusCounts(r.Context())
	if err != nil {
		log.Printf("[ops] status query failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status query failed"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
