package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// Topic receives every event
	Topic string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// MaxBufferedRecords bounds memory when the broker is slow
	MaxBufferedRecords int
	// Compression is the compression codec to use
	Compression string
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoffMS is the backoff time between retries
	RetryBackoffMS int64
}

// DefaultProducerConfig returns defaults for a low-volume audit stream.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		Topic:              TopicTurns,
		LingerMS:           20,
		MaxBufferedRecords: 10_000,
		Compression:        "lz4",
		MaxRetries:         5,
		RetryBackoffMS:     200,
	}
}

// Producer publishes events to Kafka keyed by session id, so one session's events
// stay ordered within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer. The connection is established lazily.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicTurns
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
		tracer: otel.Tracer("events-producer"),
	}, nil
}

// Publish queues ev and returns immediately; delivery failures are logged.
func (p *Producer) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "publish_event",
		trace.WithAttributes(
			attribute.String("topic", p.topic),
			attribute.String("event.type", ev.Type),
			attribute.String("session_id", ev.SessionID),
		))

	record := newRecord(ctx, p.topic, ev, value)

	// The request context ends with the HTTP response; delivery must outlive it.
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		defer span.End()
		if err != nil {
			p.failed.Add(1)
			span.RecordError(err)
			p.logger.Error("failed to publish event",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.Error(err))
			return
		}
		p.sent.Add(1)
		p.logger.Debug("event published",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset))
	})
	return nil
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	Sent   int64
	Failed int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}

func newRecord(ctx context.Context, topic string, ev Event, value []byte) *kgo.Record {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.SessionID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	injectTraceHeaders(ctx, record)
	return record
}

// injectTraceHeaders adds OpenTelemetry trace context to record headers
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers,
		kgo.RecordHeader{Key: "traceparent", Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(),
			sc.SpanID().String(),
			byte(sc.TraceFlags())))},
	)
}
