// Package circuitbreaker guards calls to collaborators (user directory,
// event sinks, mail relay) with sony/gobreaker and OpenTelemetry counters.
package circuitbreaker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker position as reported on the readiness endpoint.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is how many trial calls are let through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold trips the breaker on consecutive failures until
	// MinRequests calls have been seen; FailureRatio applies after that.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsSuccessful decides whether an error counts against the breaker.
	// Nil treats every error as a failure.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns defaults for request-path collaborators
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (c Config) tripped(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

// CircuitBreaker is a named two-step breaker. The caller's outcome is
// classified here rather than inside gobreaker so that a caller giving up
// is never held against the collaborator.
type CircuitBreaker struct {
	cb           *gobreaker.TwoStepCircuitBreaker
	name         string
	isSuccessful func(error) bool
	logger       *zap.Logger
	tracer       trace.Tracer
	calls        metric.Int64Counter
}

// New creates a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through a breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter for %s: %w", cfg.Name, err)
	}

	c := &CircuitBreaker{
		name:         cfg.Name,
		isSuccessful: cfg.IsSuccessful,
		logger:       logger.With(zap.String("breaker", cfg.Name)),
		tracer:       otel.Tracer("circuit-breaker"),
		calls:        calls,
	}
	if c.isSuccessful == nil {
		c.isSuccessful = func(err error) bool { return err == nil }
	}
	c.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.tripped,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
		},
	})
	return c, nil
}

// Do runs fn through the breaker. Rejections wrap ErrOpen. An already
// finished ctx short-circuits without touching the counts, and
// context.Canceled from fn is recorded as a success.
func (c *CircuitBreaker) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "circuit_breaker "+c.name,
		trace.WithAttributes(attribute.String("breaker.state", string(c.GetState()))))
	defer span.End()

	done, err := c.cb.Allow()
	if err != nil {
		c.record(ctx, "rejected")
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		return fmt.Errorf("%s: %w", c.name, ErrOpen)
	}

	err = fn()
	ok := c.isSuccessful(err) || errors.Is(err, context.Canceled)
	done(ok)
	switch {
	case err == nil:
		c.record(ctx, "success")
	case ok:
		c.record(ctx, "ignored")
	default:
		c.record(ctx, "failure")
		span.RecordError(err)
	}
	return err
}

func (c *CircuitBreaker) record(ctx context.Context, outcome string) {
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome)))
}

// GetState returns the current breaker state, accounting for an expired
// open timeout.
func (c *CircuitBreaker) GetState() State {
	return mapState(c.cb.State())
}

// Counts returns the counts of the current generation.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager hands out one breaker per collaborator name
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker registered under name, creating it from
// cfg on first use. cfg.Name is overridden by name.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker for the readiness endpoint
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// GetHealthStatus reports every breaker, ordered by name.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, HealthStatus{
			Name:     name,
			State:    cb.GetState(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	slices.SortFunc(out, func(a, b HealthStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
