package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

const bookingColumns = `id::text, user_id::text, consultant_id::text, service_type, scheduled_time, ` +
	`duration_seconds, status, meet_link, notes, created_at, updated_at`

// BookingStore persists bookings in PostgreSQL. Double-booking is prevented
// by the bookings_no_overlap exclusion constraint.
type BookingStore struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewBookingStore creates a store over pool
func NewBookingStore(pool *pgxpool.Pool, logger *zap.Logger) *BookingStore {
	return newBookingStoreWithDB(pool, logger)
}

func newBookingStoreWithDB(db DB, logger *zap.Logger) *BookingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingStore{db: db, logger: logger, tracer: otel.Tracer("postgres-bookings")}
}

// InsertIfNoConflict implements booking.Store.
func (s *BookingStore) InsertIfNoConflict(ctx context.Context, b *booking.Booking) error {
	ctx, span := s.tracer.Start(ctx, "bookings.insert", trace.WithAttributes(
		attribute.String("booking_id", b.ID),
		attribute.String("consultant_id", b.ConsultantID),
	))
	defer span.End()

	query := `
		INSERT INTO bookings
		(id, user_id, consultant_id, service_type, scheduled_time, duration_seconds, ends_at,
		 status, meet_link, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	end := b.Span().End
	_, err := s.db.Exec(ctx, query,
		b.ID,
		b.UserID,
		b.ConsultantID,
		string(b.ServiceType),
		b.ScheduledTime,
		int64(b.Duration/time.Second),
		end,
		string(b.Status),
		b.MeetLink,
		b.Notes,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return translate(err, "insert booking")
	}
	return nil
}

// FindByID implements booking.Store.
func (s *BookingStore) FindByID(ctx context.Context, id string) (*booking.Booking, error) {
	if err := booking.ValidateID(id); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.Errorf(booking.KindNotFound, "booking %s not found", id)
	}
	if err != nil {
		return nil, translate(err, "load booking")
	}
	return b, nil
}

// FindMany implements booking.Store.
func (s *BookingStore) FindMany(ctx context.Context, f booking.Filter) ([]*booking.Booking, error) {
	where, args := buildFilter(f)
	f = f.Normalize()
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM bookings%s ORDER BY scheduled_time, id LIMIT $%d OFFSET $%d`,
		bookingColumns, where, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "query bookings")
	}
	defer rows.Close()

	out := make([]*booking.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, translate(err, "scan booking")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "query bookings")
	}
	return out, nil
}

// AtomicUpdate implements booking.Store.
func (s *BookingStore) AtomicUpdate(ctx context.Context, b *booking.Booking, expected booking.Status) error {
	ctx, span := s.tracer.Start(ctx, "bookings.update", trace.WithAttributes(
		attribute.String("booking_id", b.ID),
		attribute.String("expected_status", string(expected)),
	))
	defer span.End()

	query := `
		UPDATE bookings
		SET scheduled_time = $3, duration_seconds = $4, ends_at = $5, status = $6,
		    meet_link = $7, notes = $8, updated_at = $9
		WHERE id = $1 AND status = $2
	`
	tag, err := s.db.Exec(ctx, query,
		b.ID,
		string(expected),
		b.ScheduledTime,
		int64(b.Duration/time.Second),
		b.Span().End,
		string(b.Status),
		b.MeetLink,
		b.Notes,
		b.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return translate(err, "update booking")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, b.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Errorf(booking.KindNotFound, "booking %s not found", b.ID)
	}
	if err != nil {
		return translate(err, "reload booking status")
	}
	return booking.ErrStatusChanged
}

func buildFilter(f booking.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(format string, values ...any) {
		placeholders := make([]any, len(values))
		for i, v := range values {
			args = append(args, v)
			placeholders[i] = len(args)
		}
		conds = append(conds, fmt.Sprintf(format, placeholders...))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ConsultantID != "" {
		add("consultant_id = $%d", f.ConsultantID)
	}
	if f.ParticipantID != "" {
		add("(user_id = $%d OR consultant_id = $%[1]d)", f.ParticipantID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ActiveOnly {
		conds = append(conds, "status <> 'cancelled'")
	}
	if f.Overlapping != nil {
		add("booking_span(scheduled_time, ends_at) && booking_span($%d, $%d)", f.Overlapping.Start, f.Overlapping.End)
	}
	if f.From != nil {
		add("scheduled_time >= $%d", *f.From)
	}
	if f.To != nil {
		add("scheduled_time < $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanBooking(row pgx.Row) (*booking.Booking, error) {
	var (
		b           booking.Booking
		serviceType string
		status      string
		seconds     int64
	)
	err := row.Scan(
		&b.ID, &b.UserID, &b.ConsultantID, &serviceType, &b.ScheduledTime,
		&seconds, &status, &b.MeetLink, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ServiceType = booking.ServiceType(serviceType)
	b.Status = booking.Status(status)
	b.Duration = time.Duration(seconds) * time.Second
	b.ScheduledTime = b.ScheduledTime.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}
