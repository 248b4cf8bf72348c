// Package idempotency provides an inbox table that turns at-least-once
// deliveries into effectively-once handling.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Outcome tells the caller what Process did.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
)

var (
	// ErrMessageInProgress means another consumer holds the entry.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means an earlier delivery failed terminally.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// DB is the subset of a pgx pool the inbox needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long entries are kept before Cleanup removes them.
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned by a
	// crashed consumer and may be claimed again.
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried. Nil
	// treats every error as retryable.
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// HandlerFunc does the work guarded by the inbox.
type HandlerFunc func(ctx context.Context) error

// Inbox records which deliveries have been handled.
type Inbox struct {
	db     DB
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over db.
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = func(error) bool { return false }
	}
	return &Inbox{
		db:     db,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Key derives a deterministic idempotency key from parts.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once to completion per key. A key whose last
// attempt failed with a retryable error, or whose STARTED entry outlived
// RecoveryTimeout, is claimed again.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn HandlerFunc) (Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("inbox.handler", handlerName),
			attribute.String("inbox.key", key),
		))
	defer span.End()

	claimed, current, err := i.claim(ctx, key, handlerName)
	if err != nil {
		return "", fmt.Errorf("claim inbox entry %s: %w", key, err)
	}
	if !claimed {
		switch current {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("inbox.duplicate", true))
			return OutcomeDuplicate, nil
		case StatusFailed:
			return "", fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		default:
			return "", ErrMessageInProgress
		}
	}

	handlerErr := fn(ctx)
	next, msg := StatusFinished, ""
	if handlerErr != nil {
		span.RecordError(handlerErr)
		next, msg = StatusRecoverable, handlerErr.Error()
		if i.cfg.IsTerminal(handlerErr) {
			next = StatusFailed
		}
	}
	if err := i.settle(ctx, key, next, msg); err != nil {
		// a FINISHED entry that failed to record means a redelivery repeats
		// the handler; nothing more can be done here
		i.logger.Error("failed to record inbox outcome",
			zap.String("key", key),
			zap.String("status", string(next)),
			zap.Error(err))
	}
	if handlerErr != nil {
		return "", handlerErr
	}
	return OutcomeProcessed, nil
}

// claimInbox inserts a STARTED entry or takes over a recoverable or
// abandoned one. When the key is owned elsewhere the second branch returns
// the owner's status instead, so one round trip answers both questions.
const claimInbox = `
	WITH claimed AS (
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, 'STARTED', $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < $4)
		RETURNING status
	)
	SELECT true, status FROM claimed
	UNION ALL
	SELECT false, status FROM inbox
	WHERE idempotency_key = $1 AND NOT EXISTS (SELECT 1 FROM claimed)`

func (i *Inbox) claim(ctx context.Context, key, handlerName string) (bool, Status, error) {
	now := i.now()
	var (
		claimed bool
		status  Status
	)
	err := i.db.QueryRow(ctx, claimInbox,
		key, handlerName, now.Add(i.cfg.TTL), now.Add(-i.cfg.RecoveryTimeout),
	).Scan(&claimed, &status)
	if err != nil {
		return false, "", err
	}
	return claimed, status, nil
}

func (i *Inbox) settle(ctx context.Context, key string, status Status, errMsg string) error {
	_, err := i.db.Exec(ctx,
		`UPDATE inbox SET status = $1, last_error = NULLIF($2, ''), updated_at = NOW() WHERE idempotency_key = $3`,
		status, errMsg, key)
	return err
}

// StartCleanup deletes expired entries every CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := i.Cleanup(ctx); err != nil && ctx.Err() == nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop ends the cleanup started by StartCleanup.
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup removes expired entries.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, i.now())
	if err != nil {
		return 0, fmt.Errorf("clean up inbox: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("expired inbox entries deleted", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}
