package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/go-medsched/internal/api/handlers"
	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/conventions"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/session"
	"github.com/drfirst/go-medsched/internal/timing"
)

type staticParser struct{}

func (staticParser) Parse(context.Context, string, string, []timing.MedicationStatement) (*timing.MedicationData, bool, error) {
	return &timing.MedicationData{}, false, nil
}

func (staticParser) Healthy() bool { return true }

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	src := conventions.Static(nil)
	limiter := middleware.NewRateLimiter(0.001, 1, m.RateLimited.Inc)

	return NewRouter(Options{
		Sessions: handlers.NewSessionHandler(handlers.Deps{
			Store:        session.NewStore(session.DefaultConfig(), nil),
			Parser:       staticParser{},
			Projectors:   src,
			Metrics:      m,
			MessageLimit: limiter.Handler,
		}),
		Project: handlers.NewProjectHandler(src, m, nil),
		Health:  handlers.NewHealthHandler(ServiceName, "test", nil),
		Metrics: m,
	})
}

func TestRouter(t *testing.T) {
	r := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Errorf("health: %d, request id %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "medsched_sessions_active 1") {
		t.Errorf("metrics output missing active sessions gauge")
	}
	if !strings.Contains(rec.Body.String(), `route="/api/v1/sessions/*"`) &&
		!strings.Contains(rec.Body.String(), `route="/api/v1/sessions/"`) {
		t.Errorf("metrics output missing session route label")
	}
}

func TestMessageRateLimit(t *testing.T) {
	r := newRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	id := strings.Split(strings.Split(rec.Body.String(), `"id":"`)[1], `"`)[0]

	codes := []int{}
	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/messages", strings.NewReader(`{"text":"aspirin daily"}`)))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// Reads are not limited.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}
}
