package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// OutboxEntry is a booking event waiting to be relayed to the broker.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
}

// EntryFromEvent serializes ev for topic, keyed by booking id so that all
// events of a booking land on the same partition.
func EntryFromEvent(ev *booking.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.EventType, err)
	}
	return &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		Topic:         topic,
		Key:           ev.AggregateID,
	}, nil
}

// Querier is satisfied by pools and transactions.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertOutbox = `
	INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id, created_at`

// WriteEntry inserts entry and fills in its id and creation time.
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	err := q.QueryRow(ctx, insertOutbox,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry for %s: %w", entry.AggregateID, err)
	}
	return nil
}

// OutboxSink records committed booking events in the outbox table.
type OutboxSink struct {
	db    Querier
	topic string
}

// NewOutboxSink creates a sink writing entries for topic.
func NewOutboxSink(db Querier, topic string) *OutboxSink {
	return &OutboxSink{db: db, topic: topic}
}

// Name identifies the sink in logs and metrics.
func (s *OutboxSink) Name() string { return "outbox" }

// Publish writes ev to the outbox.
func (s *OutboxSink) Publish(ctx context.Context, ev *booking.Event) error {
	entry, err := EntryFromEvent(ev, s.topic)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, s.db, entry)
}

// OutboxConfig holds relay tuning.
type OutboxConfig struct {
	// BatchSize is the number of entries claimed per poll.
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// dead-lettered.
	MaxRetries      int
	DeadLetterTopic string
	// LockID is the advisory lock relays share. Only the relay holding it
	// drains a batch.
	LockID int64
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "booking.dead-letter",
		LockID:          relayLockID,
	}
}

// OutboxPublisher delivers relayed entries to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// DeadLetter is the record parked on the dead-letter topic for an entry
// that exhausted its retries.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	BookingID     string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"retry_count"`
	LastError     string          `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Outbox relays outbox entries to the broker. Several relays may run for
// availability, but a batch only proceeds under the shared advisory lock,
// so one relay publishes at a time. Within a batch, once an entry of a
// booking fails the later entries of that booking wait for the next poll,
// so a booking's events are never published out of order.
type Outbox struct {
	db        DB
	cfg       OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay over pool.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	return newOutboxWithDB(pool, publisher, cfg, logger)
}

func newOutboxWithDB(db DB, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		db:        db,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background.
func (o *Outbox) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.run(ctx)
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Duration("poll_interval", o.cfg.PollInterval))
}

// Stop waits for the current batch and stops polling.
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

// run polls every PollInterval and keeps draining without waiting while
// batches come back full.
func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		n, err := o.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			o.logger.Error("outbox batch failed", zap.Error(err))
		}
		next := o.cfg.PollInterval
		if err == nil && n == o.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessBatch claims up to BatchSize pending entries, publishes them and
// records the outcome. It returns the number of entries settled, either
// published or dead-lettered.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, o.cfg.LockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		span.SetAttributes(attribute.Bool("outbox.lock_held_elsewhere", true))
		return 0, nil
	}

	entries, err := claimPending(ctx, tx, o.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	var published []int64
	settled := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		if blocked[entry.Key] {
			continue
		}
		outcome, err := o.relay(ctx, tx, entry)
		if err != nil {
			return 0, err
		}
		switch outcome {
		case relayPublished:
			published = append(published, entry.ID)
			settled++
		case relayDeadLettered:
			settled++
		default:
			blocked[entry.Key] = true
		}
	}

	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = ANY($1)`, published); err != nil {
			return 0, fmt.Errorf("mark %d entries processed: %w", len(published), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.settled", settled))
	return settled, nil
}

// relayLockID keys the advisory lock taken for each batch.
const relayLockID int64 = 0x626f6f6b696e67

const claimOutbox = `
	SELECT id, aggregate_id, aggregate_type, event_type, payload,
	       kafka_topic, kafka_key, created_at, retry_count
	FROM outbox
	WHERE processed_at IS NULL
	ORDER BY id
	LIMIT $1
	FOR UPDATE SKIP LOCKED`

func claimPending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, claimOutbox, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType,
			&e.Payload, &e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox entries: %w", err)
	}
	return entries, nil
}

type relayOutcome int

const (
	relayRetry relayOutcome = iota
	relayPublished
	relayDeadLettered
)

// relay publishes one entry. Publish failures are recorded on the row and
// reported through the outcome; only database errors are returned.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (relayOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay",
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("booking_id", entry.AggregateID),
		))
	defer span.End()

	pubErr := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload)
	if pubErr == nil {
		return relayPublished, nil
	}
	span.RecordError(pubErr)
	log := o.logger.With(
		zap.Int64("id", entry.ID),
		zap.String("event_type", entry.EventType),
		zap.String("booking_id", entry.AggregateID),
		zap.Int("attempts", entry.RetryCount+1),
		zap.Error(pubErr))

	if entry.RetryCount+1 < o.cfg.MaxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
			pubErr.Error(), entry.ID); err != nil {
			return relayRetry, fmt.Errorf("record retry of entry %d: %w", entry.ID, err)
		}
		log.Warn("outbox publish failed, will retry")
		return relayRetry, nil
	}

	if err := o.park(ctx, entry, pubErr); err != nil {
		log.Error("dead letter publish failed", zap.NamedError("dlq_error", err))
		return relayRetry, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
		pubErr.Error(), entry.ID); err != nil {
		return relayRetry, fmt.Errorf("mark entry %d dead-lettered: %w", entry.ID, err)
	}
	log.Warn("outbox entry dead-lettered")
	return relayDeadLettered, nil
}

func (o *Outbox) park(ctx context.Context, entry *OutboxEntry, cause error) error {
	payload, err := json.Marshal(DeadLetter{
		OriginalTopic: entry.Topic,
		EventType:     entry.EventType,
		BookingID:     entry.AggregateID,
		Payload:       json.RawMessage(entry.Payload),
		Attempts:      entry.RetryCount + 1,
		LastError:     cause.Error(),
		CreatedAt:     entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return o.publisher.Publish(ctx, o.cfg.DeadLetterTopic, entry.Key, payload)
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.db.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("clean up outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64
	OldestPending *time.Time
}

// GetStats returns the pending count and the age of the oldest entry.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.db.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&stats.Pending, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("read outbox stats: %w", err)
	}
	return stats, nil
}
