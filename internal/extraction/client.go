// Package extraction turns free-text medication descriptions into structured
// timing data through an OpenAI-compatible chat-completions endpoint.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/timing"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
)

// ErrExtractionFailed wraps every failure of the extraction service: transport,
// non-2xx replies, empty choices and replies that do not decode as MedicationData.
var ErrExtractionFailed = errors.New("medication extraction failed")

// maxResponseBytes caps how much of a reply is read.
const maxResponseBytes = 4 << 20

// Extractor parses one conversational turn. current is the medication list already
// on file and may be nil.
type Extractor interface {
	Extract(ctx context.Context, text string, current []timing.MedicationStatement) (*timing.MedicationData, error)
}

// Config holds extraction client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns defaults for the public OpenAI endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 60 * time.Second,
	}
}

// StatusError is a non-2xx reply from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt: transport failures,
// throttling and server errors are. An open circuit is not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, circuitbreaker.ErrUnavailable) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode reply: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Client calls the chat-completions API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates an extraction client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		tracer:     otel.Tracer("extraction"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Extract implements Extractor.
func (c *Client) Extract(ctx context.Context, text string, current []timing.MedicationStatement) (*timing.MedicationData, error) {
	ctx, span := c.tracer.Start(ctx, "extraction.Extract",
		trace.WithAttributes(
			attribute.String("llm.model", c.cfg.Model),
			attribute.Int("medications.current", len(current)),
		))
	defer span.End()

	data, err := c.extract(ctx, text, current)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	span.SetAttributes(attribute.Int("medications.parsed", len(data.MedicationStatements)))
	return data, nil
}

func (c *Client) extract(ctx context.Context, text string, current []timing.MedicationStatement) (*timing.MedicationData, error) {
	if current == nil {
		current = []timing.MedicationStatement{}
	}
	onFile, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current medications: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "system", Content: "Medications on file: " + string(onFile)},
			{Role: "user", Content: text},
		},
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaFormat{Name: "medication_data", Schema: medicationDataSchema},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	c.logger.Debug("extraction reply",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
		zap.Int("bytes", len(raw)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, &decodeError{err}
	}
	if len(chat.Choices) == 0 {
		return nil, &decodeError{errors.New("no choices in reply")}
	}

	var data timing.MedicationData
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &data); err != nil {
		return nil, &decodeError{fmt.Errorf("medication data: %w", err)}
	}
	if data.MedicationStatements == nil {
		data.MedicationStatements = []timing.MedicationStatement{}
	}
	return &data, nil
}
