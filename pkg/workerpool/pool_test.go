package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 32}, nil)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.SubmitWait(context.Background(), fmt.Sprint(i), func(context.Context) (any, error) {
				time.Sleep(time.Millisecond)
				return i, nil
			})
			if err != nil {
				t.Errorf("task %d: %v", i, err)
				return
			}
			if res.Data.(int) != i || res.TaskID != fmt.Sprint(i) {
				t.Errorf("task %d received result %+v", i, res)
			}
		}(i)
	}
	wg.Wait()

	if s := p.Stats(); s.TasksCompleted != 20 || s.TasksFailed != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRetries(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)
	p.Start()
	defer p.Stop()

	var calls int32
	res, err := p.SubmitWait(context.Background(), "flaky", func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || res.Error != nil {
		t.Fatalf("expected success, got %v / %v", err, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("bad request")
	p := New(Config{
		Workers:    1,
		QueueSize:  1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), "x", func(context.Context) (any, error) {
		return nil, permanent
	})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !errors.Is(res.Error, permanent) || res.Attempts != 1 {
		t.Errorf("expected single failed attempt, got %+v", res)
	}
}

func TestQueueFullAndStopped(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	// not started: the single slot fills and stays full
	go p.SubmitWait(context.Background(), "a", func(context.Context) (any, error) { return nil, nil })
	time.Sleep(20 * time.Millisecond)

	if _, err := p.SubmitWait(context.Background(), "b", func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.SubmitWait(context.Background(), "c", func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSubmitWaitContextCancelled(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.SubmitWait(ctx, "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
