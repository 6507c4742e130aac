// Package circuitbreaker guards calls to the language model endpoint.
// Wraps sony/gobreaker with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrUnavailable is returned without calling the guarded function while the circuit
// is open or the half-open probe budget is spent.
var ErrUnavailable = errors.New("circuit open: upstream unavailable")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange, when set, is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a slow, occasionally flaky completion API.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         2 * time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      8,
	}
}

// Breaker wraps gobreaker with observability
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	stateMu sync.RWMutex
	state   State
	notify  func(name string, to State)
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
		notify: cfg.OnStateChange,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker")); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests")); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Requests rejected while the circuit was open")); err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
		// A caller giving up says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return b, nil
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.requests.Add(ctx, 1, attrs)

	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return nil, fmt.Errorf("%w (%s)", ErrUnavailable, b.name)
		}
		b.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// Healthy reports whether requests are flowing normally.
func (b *Breaker) Healthy() bool {
	return b.State() == StateClosed
}

// Counts returns the current counts from the circuit breaker
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.stateMu.Lock()
	b.state = mapState(to)
	b.stateMu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))

	if b.notify != nil {
		b.notify(b.name, mapState(to))
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
