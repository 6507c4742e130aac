package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for reading the audit topic
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topic to read
	Topic string
	// FromStart reads from the oldest retained event when the group has no offsets
	FromStart bool
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
}

// DefaultConsumerConfig returns defaults for tailing the audit topic.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "medsched-audit",
		Topic:          TopicTurns,
		FromStart:      false,
		SessionTimeout: 30 * time.Second,
	}
}

// Handler is called for each decoded event
type Handler func(ctx context.Context, ev Event) error

// Consumer reads audit events in a consumer group and commits after each batch.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler Handler

	read   atomic.Int64
	failed atomic.Int64
}

// NewConsumer creates a consumer. The connection is established lazily.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicTurns
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("events-consumer"),
		handler: handler,
	}, nil
}

// Run polls until ctx is done. Events the handler rejects are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		for _, fe := range fetches.Errors() {
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.process(ctx, record)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to commit offsets", zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "consume_event",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	ev, err := decodeRecord(record)
	if err == nil {
		err = c.handler(ctx, ev)
	}
	if err != nil {
		c.failed.Add(1)
		span.RecordError(err)
		c.logger.Error("event handling failed",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}
	c.read.Add(1)
}

// Close commits polled offsets and leaves the group.
func (c *Consumer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on close", zap.Error(err))
	}
	c.client.Close()
	return nil
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	Read   int64
	Failed int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Read: c.read.Load(), Failed: c.failed.Load()}
}

func decodeRecord(record *kgo.Record) (Event, error) {
	var ev Event
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event at offset %d: %w", record.Offset, err)
	}
	if ev.SessionID == "" {
		ev.SessionID = string(record.Key)
	}
	return ev, nil
}

// headerCarrier adapts record headers to the otel propagator.
type headerCarrier []kgo.RecordHeader

func (h headerCarrier) Get(key string) string {
	for _, hdr := range h {
		if hdr.Key == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h headerCarrier) Set(string, string) {}

func (h headerCarrier) Keys() []string {
	keys := make([]string, len(h))
	for i, hdr := range h {
		keys[i] = hdr.Key
	}
	return keys
}

// extractTraceContext restores the producer's span context from the traceparent header.
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return propagation.TraceContext{}.Extract(ctx, headerCarrier(record.Headers))
}
