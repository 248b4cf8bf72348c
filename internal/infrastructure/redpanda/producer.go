// Package redpanda streams booking events over the Kafka protocol with
// franz-go.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/observability/metrics"
)

// HeaderContentType tags every record the producer writes.
const HeaderContentType = "content-type"

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, zstd or none.
	Compression string
	// LeaderAckOnly trades durability for latency and turns off
	// idempotent writes, which require all-ISR acks.
	LeaderAckOnly bool
	RecordRetries int
	RetryBackoff  time.Duration
}

// DefaultProducerConfig returns durable defaults for booking events.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RecordRetries: 5,
		RetryBackoff:  100 * time.Millisecond,
	}
}

func (c ProducerConfig) opts() ([]kgo.Opt, error) {
	backoff := c.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(c.Linger),
		kgo.RecordRetries(c.RecordRetries),
		kgo.RetryBackoffFn(func(tries int) time.Duration { return backoff * time.Duration(tries+1) }),
	}
	if c.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	codecs := map[string]kgo.CompressionCodec{
		"lz4":    kgo.Lz4Compression(),
		"snappy": kgo.SnappyCompression(),
		"zstd":   kgo.ZstdCompression(),
		"none":   kgo.NoCompression(),
		"":       kgo.NoCompression(),
	}
	codec, ok := codecs[c.Compression]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q", c.Compression)
	}
	return append(opts, kgo.ProducerBatchCompression(codec)), nil
}

// Option customizes producers and consumers.
type Option func(*clientOptions)

type clientOptions struct {
	metrics *metrics.Metrics
}

// WithMetrics records produced and consumed message counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

func applyOptions(opts []Option) clientOptions {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Producer writes records synchronously. It satisfies RecordPublisher and
// the outbox relay's publisher.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewProducer connects a producer to cfg.Brokers.
func NewProducer(cfg ProducerConfig, logger *zap.Logger, opts ...Option) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kopts, err := cfg.opts()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("producer client: %w", err)
	}
	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
		metrics: applyOptions(opts).metrics,
	}, nil
}

// Publish sends one JSON record and waits for the broker to acknowledge
// it. The current trace context travels in the record headers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: HeaderContentType, Value: []byte("application/json")}},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record})

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.metrics.MessageProduced()
	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
		attribute.Int64("messaging.kafka.offset", record.Offset))
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// headerCarrier adapts record headers to the otel propagation API.
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i := range c.record.Headers {
		if c.record.Headers[i].Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}
