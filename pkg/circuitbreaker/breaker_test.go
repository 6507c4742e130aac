package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("llm")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	var transitions []State
	cfg.OnStateChange = func(name string, to State) {
		if name != "llm" {
			t.Errorf("hook name = %s", name)
		}
		transitions = append(transitions, to)
	}
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	fail := func(context.Context) (any, error) { return nil, boom }

	for i := 0; i < 2; i++ {
		if _, err := b.Execute(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %s", b.State())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}

	called := false
	_, err = b.Execute(context.Background(), func(context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if called {
		t.Error("guarded function ran while circuit was open")
	}
	if b.Healthy() {
		t.Error("open breaker reported healthy")
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig("llm")
	cfg.FailureThreshold = 1
	b, _ := New(cfg, nil)

	_, err := b.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("cancellation tripped the breaker: %s", b.State())
	}

	got, err := b.Execute(context.Background(), func(context.Context) (any, error) { return 42, nil })
	if err != nil || got.(int) != 42 {
		t.Errorf("Execute = %v, %v", got, err)
	}
}
