// Package api assembles the HTTP surface of the schedule service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/api/handlers"
	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
)

// ServiceName is reported by /health and used as the tracer name.
const ServiceName = "medsched"

// Options configures the router.
type Options struct {
	Sessions *handlers.SessionHandler
	Project  *handlers.ProjectHandler
	Health   *handlers.HealthHandler
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewRouter wires middleware and routes.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.Metrics(opts.Metrics))

	r.Get("/health", opts.Health.Health)
	r.Get("/ready", opts.Health.Ready)
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/sessions", opts.Sessions.Routes())
		r.Post("/project", opts.Project.Project)
	})

	return r
}
