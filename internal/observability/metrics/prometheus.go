// Package metrics provides Prometheus metrics for the schedule service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	MessagesProcessed   *prometheus.CounterVec
	ExtractionDuration  prometheus.Histogram
	MedicationsParsed   prometheus.Counter
	Projections         *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	RateLimited         prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg gets a fresh
// registry carrying the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsched_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medsched_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "method"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsched_messages_processed_total",
			Help: "Chat messages by outcome (parsed, replayed, failed)",
		}, []string{"outcome"}),
		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medsched_extraction_duration_seconds",
			Help:    "Time spent waiting for structured extraction",
			Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 15, 30, 60},
		}),
		MedicationsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsched_medications_parsed_total",
			Help: "Medication statements returned by extraction",
		}),
		Projections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsched_projections_total",
			Help: "Schedule projections served by kind (calendar, occurrences, single)",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medsched_sessions_active",
			Help: "Sessions currently held in memory",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsched_events_published_total",
			Help: "Audit events handed to the publisher by result",
		}, []string{"result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medsched_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsched_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.MessagesProcessed,
		m.ExtractionDuration,
		m.MedicationsParsed,
		m.Projections,
		m.ActiveSessions,
		m.EventsPublished,
		m.CircuitBreakerState,
		m.RateLimited,
	)

	return m
}

// SetBreakerState records a breaker state by name.
func (m *Metrics) SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
