// Package idempotency provides the Inbox pattern for at-most-once processing of
// repeated requests. Keys are deterministic hashes of the request's identifying parts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

// ErrMessageInProgress indicates the same key is being processed by another caller
var ErrMessageInProgress = errors.New("message in progress by another handler")

type entry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
	expiresAt time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a finished result is replayed
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Inbox remembers recent results in memory.
type Inbox struct {
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("inbox"),
		now:     time.Now,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew  bool
	Result json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn unless key already finished within the TTL, in which case the
// stored result is replayed. A failed fn leaves no trace so the request can be retried.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	now := i.now()
	i.mu.Lock()
	if e, ok := i.entries[key]; ok && now.Before(e.expiresAt) {
		switch {
		case e.status == StatusFinished:
			result := e.result
			i.mu.Unlock()
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: result}, nil
		case now.Sub(e.updatedAt) < i.config.RecoveryTimeout:
			i.mu.Unlock()
			return nil, ErrMessageInProgress
		}
		// abandoned STARTED entry: take it over
	}
	i.entries[key] = &entry{status: StatusStarted, updatedAt: now, expiresAt: now.Add(i.config.DefaultTTL)}
	i.mu.Unlock()

	result, err := fn(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		delete(i.entries, key)
		span.RecordError(err)
		return nil, err
	}
	done := i.now()
	i.entries[key] = &entry{
		status:    StatusFinished,
		result:    result,
		updatedAt: done,
		expiresAt: done.Add(i.config.DefaultTTL),
	}
	return &ProcessResult{IsNew: true, Result: result}, nil
}

// GenerateKey creates a deterministic idempotency key. Parts are trimmed and
// lowercased so trivially different retries collide.
func GenerateKey(parts ...string) string {
	norm := make([]string, len(parts))
	for j, p := range parts {
		norm[j] = strings.ToLower(strings.TrimSpace(p))
	}
	hash := sha256.Sum256([]byte(strings.Join(norm, "|")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n := i.cleanup(); n > 0 {
				i.logger.Debug("inbox cleanup completed", zap.Int("deleted", n))
			}
		}
	}
}

// cleanup removes expired entries
func (i *Inbox) cleanup() int {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()

	deleted := 0
	for k, e := range i.entries {
		if !now.Before(e.expiresAt) {
			delete(i.entries, k)
			deleted++
		}
	}
	return deleted
}

// Len returns the number of tracked keys.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}
