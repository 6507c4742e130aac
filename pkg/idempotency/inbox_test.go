package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestProcessReplaysFinishedResult(t *testing.T) {
	in := NewInbox(DefaultInboxConfig(), nil)
	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	first, err := in.Process(context.Background(), "k", fn)
	if err != nil || !first.IsNew {
		t.Fatalf("first call: %+v, %v", first, err)
	}
	second, err := in.Process(context.Background(), "k", fn)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.IsNew || string(second.Result) != `{"n":1}` {
		t.Errorf("expected replay, got %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestProcessFailureIsRetryable(t *testing.T) {
	in := NewInbox(DefaultInboxConfig(), nil)
	boom := errors.New("boom")

	if _, err := in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if in.Len() != 0 {
		t.Errorf("failed entry retained")
	}
	res, err := in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	if err != nil || !res.IsNew {
		t.Errorf("retry: %+v, %v", res, err)
	}
}

func TestProcessInProgress(t *testing.T) {
	in := NewInbox(DefaultInboxConfig(), nil)
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`1`), nil
		})
	}()

	<-started
	if _, err := in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return nil, nil
	}); !errors.Is(err, ErrMessageInProgress) {
		t.Errorf("expected ErrMessageInProgress, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestExpiryAndCleanup(t *testing.T) {
	in := NewInbox(InboxConfig{DefaultTTL: time.Minute}, nil)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }

	in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})

	now = now.Add(2 * time.Minute)
	res, err := in.Process(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`2`), nil
	})
	if err != nil || !res.IsNew || string(res.Result) != "2" {
		t.Errorf("expected fresh processing after expiry, got %+v, %v", res, err)
	}

	now = now.Add(2 * time.Minute)
	if n := in.cleanup(); n != 1 || in.Len() != 0 {
		t.Errorf("cleanup removed %d, %d left", n, in.Len())
	}
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("session-1", "Take aspirin daily")
	b := GenerateKey(" session-1", "take aspirin daily ")
	c := GenerateKey("session-2", "Take aspirin daily")
	if a != b {
		t.Error("normalized parts should produce the same key")
	}
	if a == c {
		t.Error("different sessions should not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}

func TestStartStopCleanup(t *testing.T) {
	in := NewInbox(InboxConfig{CleanupInterval: time.Millisecond}, nil)
	in.StartCleanup()
	time.Sleep(5 * time.Millisecond)
	in.Stop()
}
