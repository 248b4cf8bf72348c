// Package workerpool runs fire-and-forget background work on a fixed set of
// goroutines with bounded retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Handler processes one item. A non-nil error is retried unless the
// pool's retry predicate rejects it.
type Handler[T any] func(ctx context.Context, item T) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay doubles on every retry up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// DrainTimeout bounds how long Stop waits for queued items.
	DrainTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     1024,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

func (c Config) backoff(retry int) time.Duration {
	d := c.RetryDelay << (retry - 1)
	if c.MaxRetryDelay > 0 && (d > c.MaxRetryDelay || d <= 0) {
		return c.MaxRetryDelay
	}
	return d
}

// Option customises a Pool.
type Option[T any] func(*Pool[T])

// WithResult registers fn to receive every item with its final error.
func WithResult[T any](fn func(item T, err error)) Option[T] {
	return func(p *Pool[T]) { p.onResult = fn }
}

// WithRetryable limits retries to errors for which fn returns true.
func WithRetryable[T any](fn func(err error) bool) Option[T] {
	return func(p *Pool[T]) { p.retryable = fn }
}

// Pool runs submitted items on a fixed set of workers.
type Pool[T any] struct {
	cfg       Config
	handler   Handler[T]
	onResult  func(T, error)
	retryable func(error) bool
	logger    *zap.Logger

	mu      sync.RWMutex
	stopped bool
	queue   chan T
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool. Call Start before Submit drains anything.
func New[T any](cfg Config, fn Handler[T], logger *zap.Logger, opts ...Option[T]) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		cfg:       cfg,
		handler:   fn,
		retryable: func(error) bool { return true },
		logger:    logger,
		queue:     make(chan T, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers.
func (p *Pool[T]) Start() {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- item:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new items and drains the queue. After DrainTimeout the
// in-flight handlers see a cancelled context. Stop is idempotent.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		p.logger.Info("worker pool drained")
	case <-timer.C:
		p.logger.Warn("worker pool drain timed out", zap.Int("abandoned", len(p.queue)))
		p.cancel()
		<-drained
	}
	p.cancel()
}

func (p *Pool[T]) work() {
	defer p.wg.Done()
	for item := range p.queue {
		p.busy.Add(1)
		err := p.attempt(item)
		p.busy.Add(-1)

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if p.onResult != nil {
			p.onResult(item, err)
		}
	}
}

func (p *Pool[T]) attempt(item T) error {
	err := p.handler(p.ctx, item)
	for retry := 1; err != nil && retry <= p.cfg.MaxRetries; retry++ {
		if !p.retryable(err) {
			return err
		}
		p.retried.Add(1)
		p.logger.Debug("retrying", zap.Int("retry", retry), zap.Error(err))

		timer := time.NewTimer(p.cfg.backoff(retry))
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return errors.Join(err, p.ctx.Err())
		case <-timer.C:
		}
		err = p.handler(p.ctx, item)
	}
	if err != nil && p.cfg.MaxRetries > 0 && p.retryable(err) {
		return fmt.Errorf("gave up after %d retries: %w", p.cfg.MaxRetries, err)
	}
	return err
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Busy      int64
	Queued    int
	Capacity  int
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Busy:      p.busy.Load(),
		Queued:    len(p.queue),
		Capacity:  p.cfg.QueueSize,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool[T]) IsHealthy() bool {
	return len(p.queue)*10 < p.cfg.QueueSize*9
}
