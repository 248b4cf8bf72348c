// Package notify delivers booking events after commit: the Dispatcher fans
// them out to a sink without blocking the engine, and the Notifier turns
// consumed events into emails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
	"github.com/swiftcare/booking-engine/pkg/circuitbreaker"
	"github.com/swiftcare/booking-engine/pkg/workerpool"
)

// Sink receives events from the dispatcher.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *booking.Event) error
}

// DispatcherConfig holds dispatcher tuning.
type DispatcherConfig struct {
	Pool    workerpool.Config
	Breaker circuitbreaker.Config
	// PublishTimeout bounds a single sink call.
	PublishTimeout time.Duration
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Pool:           workerpool.DefaultConfig(),
		Breaker:        circuitbreaker.DefaultConfig("event-sink"),
		PublishTimeout: 5 * time.Second,
	}
}

// Dispatcher publishes events on background workers. Publish never blocks:
// when the queue is full the event is dropped and logged.
type Dispatcher struct {
	sink    Sink
	pool    *workerpool.Pool[*booking.Event]
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher in front of sink. Call Start before
// publishing and Stop to drain on shutdown.
func NewDispatcher(sink Sink, cfg DispatcherConfig, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker, err := circuitbreaker.New(cfg.Breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink breaker: %w", err)
	}

	d := &Dispatcher{
		sink:    sink,
		breaker: breaker,
		timeout: cfg.PublishTimeout,
		metrics: m,
		logger:  logger.With(zap.String("sink", sink.Name())),
	}

	d.pool, err = workerpool.New(cfg.Pool, d.deliver, logger,
		workerpool.WithResult(d.onResult),
		workerpool.WithRetryable[*booking.Event](func(err error) bool {
			return !errors.Is(err, circuitbreaker.ErrOpen)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}
	return d, nil
}

// Start launches the workers.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued events.
func (d *Dispatcher) Stop() { d.pool.Stop() }

// Publish queues ev. It returns an error only when the event was dropped;
// the caller logs and counts drops.
func (d *Dispatcher) Publish(_ context.Context, ev *booking.Event) error {
	if err := d.pool.Submit(ev); err != nil {
		return fmt.Errorf("dispatch %s: %w", ev.EventType, err)
	}
	return nil
}

// Healthy reports whether the sink breaker is closed and the queue has
// room.
func (d *Dispatcher) Healthy() bool {
	return d.breaker.GetState() != circuitbreaker.StateOpen && d.pool.IsHealthy()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *booking.Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.breaker.Do(ctx, func() error {
		return d.sink.Publish(ctx, ev)
	})
}

func (d *Dispatcher) onResult(ev *booking.Event, err error) {
	if err != nil {
		d.metrics.EventDispatched(string(ev.EventType), "failed")
		d.logger.Error("event delivery failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("booking_id", ev.AggregateID),
			zap.Error(err))
		return
	}
	d.metrics.EventDispatched(string(ev.EventType), "ok")
}

// LogSink writes events to the log. It backs the memory driver when no
// broker is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in logs and metrics.
func (s *LogSink) Name() string { return "log" }

// Publish logs ev.
func (s *LogSink) Publish(_ context.Context, ev *booking.Event) error {
	s.logger.Info("booking event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("booking_id", ev.AggregateID),
		zap.String("correlation_id", ev.CorrelationID),
		zap.ByteString("data", ev.EventData))
	return nil
}
