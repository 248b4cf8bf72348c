package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/observability/metrics"
)

// Headers added to records parked on the dead-letter topic.
const (
	HeaderOriginalTopic  = "x-original-topic"
	HeaderOriginalOffset = "x-original-offset"
	HeaderFailure        = "x-failure"
)

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// FromStart makes a new group begin at the oldest retained record.
	FromStart      bool
	SessionTimeout time.Duration
	// HandlerAttempts bounds how often a failing record is handled before
	// it is given up on.
	HandlerAttempts int
	RetryBackoff    time.Duration
	// IsTerminal marks handler errors that retrying cannot fix.
	IsTerminal func(error) bool
	// DeadLetterTopic, when set, receives a copy of every record given up
	// on. Otherwise such records are only logged.
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the notification consumer.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "booking-notifications",
		Topics:          []string{TopicBookingEvents},
		FromStart:       true,
		SessionTimeout:  30 * time.Second,
		HandlerAttempts: 3,
		RetryBackoff:    500 * time.Millisecond,
		DeadLetterTopic: TopicDeadLetter,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is the broker-agnostic view of a record.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in a consumer group. Records are handled one at a
// time per poll and marked for commit once settled, whether handled or
// given up on, so a poison record cannot stall its partition.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled      atomic.Int64
	deadLettered atomic.Int64
	failures     atomic.Int64
}

// NewConsumer joins cfg.GroupID. Consumption begins on Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...Option) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandlerAttempts < 1 {
		cfg.HandlerAttempts = 1
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func(error) bool { return false }
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		kopts = append(kopts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("consumer client for group %s: %w", cfg.GroupID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("group", cfg.GroupID)),
		tracer:  otel.Tracer("redpanda-consumer"),
		metrics: applyOptions(opts).metrics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll()
	}()
}

// Stop finishes the in-flight record, commits what was settled and leaves
// the group.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("final commit failed", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) poll() {
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		iter := fetches.RecordIter()
		for !iter.Done() && c.ctx.Err() == nil {
			record := iter.Next()
			if c.settle(record) {
				c.client.MarkCommitRecords(record)
			}
		}
		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("commit failed", zap.Error(err))
		}
	}
}

// settle handles record and reports whether it may be committed. It is
// false only when shutdown interrupted the retries or the dead-letter
// write, leaving the record for the next group member.
func (c *Consumer) settle(record *kgo.Record) bool {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	c.metrics.MessageConsumed()
	err := handleWithRetry(ctx, c.cfg, c.handler, toMessage(record))
	switch {
	case err == nil:
		c.handled.Add(1)
		return true
	case c.ctx.Err() != nil:
		return false
	}

	c.failures.Add(1)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("giving up on record",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err))
	return c.deadLetter(ctx, record, err)
}

// handleWithRetry runs fn up to cfg.HandlerAttempts times with a linear
// backoff, stopping early on terminal errors or cancellation.
func handleWithRetry(ctx context.Context, cfg ConsumerConfig, fn MessageHandler, msg *ConsumedMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx, msg); err == nil || cfg.IsTerminal(err) || attempt >= cfg.HandlerAttempts {
			return err
		}
		timer := time.NewTimer(cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// maxDeadLetterBackoff caps the wait between dead-letter produce attempts.
const maxDeadLetterBackoff = 30 * time.Second

// deadLetter parks record on the dead-letter topic and reports whether it
// may be committed. The partition stalls until the produce succeeds.
func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, cause error) bool {
	if c.cfg.DeadLetterTopic == "" {
		return true
	}
	dlq := deadLetterRecord(record, c.cfg.DeadLetterTopic, cause)
	err := produceUntilStored(ctx, c.cfg.RetryBackoff, func(ctx context.Context) error {
		return c.client.ProduceSync(ctx, dlq).FirstErr()
	}, func(attempt int, err error) {
		c.logger.Error("dead letter produce failed",
			zap.String("topic", c.cfg.DeadLetterTopic),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err != nil {
		return false
	}
	c.deadLettered.Add(1)
	return true
}

// produceUntilStored retries produce with a capped linear backoff until it
// succeeds or ctx ends.
func produceUntilStored(ctx context.Context, backoff time.Duration, produce func(context.Context) error, onFail func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := produce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		onFail(attempt, err)
		wait := min(max(backoff, time.Millisecond)*time.Duration(attempt), maxDeadLetterBackoff)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func deadLetterRecord(record *kgo.Record, topic string, cause error) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(record.Headers)+3)
	headers = append(headers, record.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: HeaderOriginalTopic, Value: []byte(record.Topic)},
		kgo.RecordHeader{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(record.Offset, 10))},
		kgo.RecordHeader{Key: HeaderFailure, Value: []byte(cause.Error())},
	)
	return &kgo.Record{Topic: topic, Key: record.Key, Value: record.Value, Headers: headers}
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats counts settled records.
type ConsumerStats struct {
	Handled      int64
	Failed       int64
	DeadLettered int64
}

// Stats returns current consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:      c.handled.Load(),
		Failed:       c.failures.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
