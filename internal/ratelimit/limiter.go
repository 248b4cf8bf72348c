// Package ratelimit throttles booking attempts per actor with a fixed
// window counter in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter counts attempts per actor and window
type Limiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// New creates a limiter allowing limit attempts per window. A limit of zero
// disables throttling.
func New(client redis.Cmdable, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// Key returns the counter key for actor at t.
func (l *Limiter) Key(actor string, t time.Time) string {
	bucket := t.Unix() / int64(l.window/time.Second)
	return fmt.Sprintf("booking:attempts:%s:%d", actor, bucket)
}

// Allow records one attempt and reports whether it is within the limit.
// On Redis failure the attempt is allowed and the error returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, actor string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	key := l.Key(actor, l.now())
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("count booking attempt: %w", err)
	}

	if incr.Val() > l.limit {
		l.logger.Info("booking attempts throttled",
			zap.String("actor", actor),
			zap.Int64("attempts", incr.Val()))
		return false, nil
	}
	return true, nil
}
