package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"filbeam-backend/internal/store"
)

type fakeStore struct {
	pingErr   error
	counts    *store.StatusCounts
	countsErr error
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) GetStatusCounts(context.Context) (*store.StatusCounts, error) {
	return f.counts, f.countsErr
}

type fakeRegistrar struct{ mounted bool }

func (f *fakeRegistrar) RegisterRoutes(r *mux.Router) {
	f.mounted = true
	r.HandleFunc("/extra", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods("POST")
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", &fakeStore{})
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestHealth_StoreDown(t *testing.T) {
	s := NewServer(":0", &fakeStore{pingErr: errors.New("connection refused")})
	rec := get(t, s, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestStatus(t *testing.T) {
	s := NewServer(":0", &fakeStore{counts: &store.StatusCounts{
		DataSets:           12,
		Pieces:             340,
		ServiceProviders:   5,
		Queue:              map[string]int64{"PENDING": 2},
		Monitors:           map[string]int64{"WAITING": 1},
		RetrievalsLastHour: 99,
	}})
	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		DataSets           int64            `json:"data_sets"`
		Queue              map[string]int64 `json:"queue"`
		RetrievalsLastHour int64            `json:"retrievals_last_hour"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.DataSets != 12 || body.Queue["PENDING"] != 2 || body.RetrievalsLastHour != 99 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestStatus_QueryFailure(t *testing.T) {
	s := NewServer(":0", &fakeStore{countsErr: errors.New("db down")})
	rec := get(t, s, "/status")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", &fakeStore{})
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics exposition should not be empty")
	}
}

func TestRegistrarRoutesMounted(t *testing.T) {
	reg := &fakeRegistrar{}
	s := NewServer(":0", &fakeStore{}, reg)
	if !reg.mounted {
		t.Fatal("registrar was not invoked")
	}

	req := httptest.NewRequest("POST", "/extra", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want the registrar's handler to answer", rec.Code)
	}
}
