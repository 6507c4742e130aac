package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-medsched/internal/timing"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
	"github.com/drfirst/go-medsched/pkg/idempotency"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

const lisinoprilReply = `{
  "medicationStatements": [{
    "medication": "Lisinopril",
    "rxnormCode": "29046",
    "strength": {"amount": 10, "unit": "mg"},
    "sourceText": "lisinopril 10mg once a day",
    "timingSequence": [{"frequency": 1, "period": 1, "periodUnit": "d", "doseAmount": 1, "doseUnit": "tablet", "isAsNeeded": false}]
  }],
  "freeTextResponse": "Got it."
}`

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": content}, "finish_reason": "stop"}},
	})
	return string(b)
}

func TestClientExtract(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, completion(lisinoprilReply))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "test-model"}, nil)
	current := []timing.MedicationStatement{{Medication: "Metformin"}}
	data, err := c.Extract(context.Background(), "lisinopril 10mg once a day", current)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if got.Model != "test-model" || got.ResponseFormat.Type != "json_schema" {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 3 || got.Messages[2].Content != "lisinopril 10mg once a day" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[1].Content, "Metformin") {
		t.Errorf("current medications not sent: %q", got.Messages[1].Content)
	}

	if len(data.MedicationStatements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(data.MedicationStatements))
	}
	st := data.MedicationStatements[0]
	if st.Medication != "Lisinopril" || st.Strength.Amount != 10 || *st.TimingSequence[0].Frequency != 1 {
		t.Errorf("unexpected statement %+v", st)
	}
	if data.FreeTextResponse != "Got it." {
		t.Errorf("free text = %q", data.FreeTextResponse)
	}
}

func TestClientFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "upstream", true},
		{"throttled", http.StatusTooManyRequests, "slow down", true},
		{"bad request", http.StatusBadRequest, "nope", false},
		{"not json", http.StatusOK, "<html>", false},
		{"no choices", http.StatusOK, `{"choices":[]}`, false},
		{"content not medication data", http.StatusOK, completion(`{"medicationStatements": "x"}`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL}, nil).Extract(context.Background(), "x", nil)
			if !errors.Is(err, ErrExtractionFailed) {
				t.Fatalf("expected ErrExtractionFailed, got %v", err)
			}
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", Retryable(err), tt.retryable)
			}
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{BaseURL: url, Timeout: time.Second}, nil).Extract(context.Background(), "x", nil)
	if !errors.Is(err, ErrExtractionFailed) || !Retryable(err) {
		t.Errorf("expected retryable extraction failure, got %v", err)
	}
}

type fakeExtractor struct {
	calls int32
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, current []timing.MedicationStatement) (*timing.MedicationData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, f.err)
	}
	return &timing.MedicationData{
		MedicationStatements: []timing.MedicationStatement{{Medication: text}},
	}, nil
}

func newService(t *testing.T, ex Extractor) *Service {
	t.Helper()
	cfg := circuitbreaker.DefaultConfig("llm")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 4, Retryable: Retryable}, nil)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return NewService(ex, breaker, pool, idempotency.NewInbox(idempotency.DefaultInboxConfig(), nil), nil)
}

func TestServiceReplaysIdenticalTurn(t *testing.T) {
	ex := &fakeExtractor{}
	svc := newService(t, ex)

	data, replayed, err := svc.Parse(context.Background(), "s1", "Aspirin", nil)
	if err != nil || replayed {
		t.Fatalf("first parse: %v, replayed=%v", err, replayed)
	}
	if data.MedicationStatements[0].Medication != "Aspirin" {
		t.Errorf("unexpected data %+v", data)
	}

	if _, replayed, _ = svc.Parse(context.Background(), "s1", "aspirin ", nil); !replayed {
		t.Error("expected replay for identical turn")
	}
	if _, replayed, _ = svc.Parse(context.Background(), "s2", "Aspirin", nil); replayed {
		t.Error("different session must not replay")
	}
	if n := atomic.LoadInt32(&ex.calls); n != 2 {
		t.Errorf("extractor called %d times, want 2", n)
	}
	if !svc.Healthy() {
		t.Error("service should be healthy")
	}
}

func TestServiceOpensCircuit(t *testing.T) {
	ex := &fakeExtractor{err: &StatusError{Code: http.StatusBadRequest}}
	svc := newService(t, ex)

	for i := 0; i < 2; i++ {
		if _, _, err := svc.Parse(context.Background(), "s", fmt.Sprint("turn ", i), nil); !errors.Is(err, ErrExtractionFailed) {
			t.Fatalf("turn %d: expected ErrExtractionFailed, got %v", i, err)
		}
	}

	_, _, err := svc.Parse(context.Background(), "s", "turn 3", nil)
	if !errors.Is(err, ErrExtractionFailed) || !errors.Is(err, circuitbreaker.ErrUnavailable) {
		t.Errorf("expected open circuit failure, got %v", err)
	}
	if n := atomic.LoadInt32(&ex.calls); n != 2 {
		t.Errorf("extractor called %d times with open circuit", n)
	}
	if svc.Healthy() {
		t.Error("service with open circuit reported healthy")
	}
}
