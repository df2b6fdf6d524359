package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestStats(t *testing.T) {
	r := chi.NewRouter()
	NewServer(func() int64 { return 3 }).Mount(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.ActiveAnswers != 3 {
		t.Errorf("active_answers = %d, want 3", stats.ActiveAnswers)
	}
	if stats.GoVersion == "" || stats.NumGoroutine == 0 {
		t.Errorf("runtime fields missing: %+v", stats)
	}
}

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	NewServer(nil).Mount(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
