// Package engine coordinates consultant selection, conflict-safe booking
// creation and booking status transitions.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/matching"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
)

const (
	opCreate   = "create"
	opUpdate   = "update"
	opCancel   = "cancel"
	opGet      = "get"
	opList     = "list"
	opEligible = "eligible"
)

// EventPublisher receives committed domain events. Publish must not block
// on delivery; its errors are logged and never fail the operation.
type EventPublisher interface {
	Publish(ctx context.Context, event *booking.Event) error
}

// Throttle limits booking attempts per actor.
type Throttle interface {
	Allow(ctx context.Context, actor string) (bool, error)
}

// Config holds engine tuning
type Config struct {
	// StoreTimeout bounds every store and directory call.
	StoreTimeout time.Duration
	// CreateMaxAttempts bounds auto-assignment retries after losing a slot.
	CreateMaxAttempts int
	// UpdateMaxAttempts bounds reload-and-retry after a concurrent status change.
	UpdateMaxAttempts int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		StoreTimeout:      5 * time.Second,
		CreateMaxAttempts: 3,
		UpdateMaxAttempts: 3,
	}
}

// Engine is the booking service
type Engine struct {
	store     booking.Store
	dir       directory.Directory
	selector  *matching.Selector
	publisher EventPublisher
	throttle  Throttle
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThrottle enables booking-attempt throttling.
func WithThrottle(t Throttle) Option {
	return func(e *Engine) { e.throttle = t }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. A nil publisher discards events.
func New(store booking.Store, dir directory.Directory, selector *matching.Selector, publisher EventPublisher, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = discardPublisher{}
	}
	def := DefaultConfig()
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.CreateMaxAttempts < 1 {
		cfg.CreateMaxAttempts = def.CreateMaxAttempts
	}
	if cfg.UpdateMaxAttempts < 1 {
		cfg.UpdateMaxAttempts = def.UpdateMaxAttempts
	}

	e := &Engine{
		store:     store,
		dir:       dir,
		selector:  selector,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("booking-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest is the input of CreateBooking
type CreateRequest struct {
	RequestingUserID string
	ServiceType      booking.ServiceType
	ScheduledTime    time.Time
	Duration         time.Duration
	// ConsultantID, when set, books that consultant instead of auto-assigning.
	ConsultantID string
	MeetLink     string
	Notes        string
}

// CreateBooking validates the request, selects a consultant and persists a
// pending booking. Losing a slot race during auto-assignment excludes that
// consultant and retries.
func (e *Engine) CreateBooking(ctx context.Context, req CreateRequest) (_ *booking.Booking, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.create_booking", trace.WithAttributes(
		attribute.String("service_type", string(req.ServiceType)),
		attribute.Bool("explicit_consultant", req.ConsultantID != ""),
	))
	defer func() { err = e.finish(span, opCreate, start, err) }()

	if req.RequestingUserID == "" {
		return nil, booking.Errorf(booking.KindValidation, "requesting user id is required")
	}
	if !req.ServiceType.Valid() {
		return nil, booking.Errorf(booking.KindValidation, "unsupported service type %q", req.ServiceType)
	}
	now := e.now()
	if !req.ScheduledTime.After(now) {
		return nil, booking.Errorf(booking.KindValidation, "scheduled time must be in the future")
	}
	if req.Duration < 0 {
		return nil, booking.Errorf(booking.KindValidation, "duration must not be negative")
	}
	if err := e.checkThrottle(ctx, req.RequestingUserID); err != nil {
		return nil, err
	}
	if _, err := e.lookupUser(ctx, req.RequestingUserID); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return nil, booking.Errorf(booking.KindValidation, "requesting user %s does not exist", req.RequestingUserID)
		}
		return nil, err
	}

	slot := booking.NewSpan(req.ScheduledTime, req.Duration)
	exclude := make(map[string]struct{})
	for attempt := 1; attempt <= e.cfg.CreateMaxAttempts; attempt++ {
		consultant, err := e.selectConsultant(ctx, matching.Request{
			ServiceType:  req.ServiceType,
			Span:         slot,
			ConsultantID: req.ConsultantID,
			Exclude:      exclude,
			Now:          now,
		})
		if err != nil {
			return nil, err
		}

		b, err := booking.New(booking.NewParams{
			UserID:        req.RequestingUserID,
			ConsultantID:  consultant.ID,
			ServiceType:   req.ServiceType,
			ScheduledTime: req.ScheduledTime,
			Duration:      req.Duration,
			MeetLink:      req.MeetLink,
			Notes:         req.Notes,
		}, now)
		if err != nil {
			return nil, err
		}

		err = e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.InsertIfNoConflict(ctx, b)
		})
		if err == nil {
			span.SetAttributes(attribute.String("booking_id", b.ID), attribute.Int("attempts", attempt))
			e.metrics.BookingCreated(string(b.ServiceType))
			e.logger.Info("booking created",
				zap.String("booking_id", b.ID),
				zap.String("consultant_id", b.ConsultantID),
				zap.String("status", string(b.Status)),
				zap.Int("attempt", attempt))
			e.publish(ctx, b)
			return b, nil
		}
		if !errors.Is(err, booking.ErrConflict) {
			return nil, booking.Classify(err, "insert booking")
		}
		if req.ConsultantID != "" {
			return nil, booking.Wrap(booking.KindConflict, err, "consultant already booked for this time")
		}

		exclude[consultant.ID] = struct{}{}
		e.metrics.AssignmentRetry()
		e.logger.Debug("slot taken concurrently, reselecting",
			zap.String("consultant_id", consultant.ID),
			zap.Int("attempt", attempt))
	}

	return nil, booking.Errorf(booking.KindNoEligibleConsultant,
		"no consultant could take the slot after %d attempts", e.cfg.CreateMaxAttempts)
}

// UpdateBooking applies a partial update on behalf of actingUserID.
func (e *Engine) UpdateBooking(ctx context.Context, bookingID string, patch booking.Patch, actingUserID string) (_ *booking.Booking, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.update_booking", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
	))
	defer func() { err = e.finish(span, opUpdate, start, err) }()

	return e.mutate(ctx, bookingID, actingUserID, func(current *booking.Booking) (*booking.Booking, bool, error) {
		next := current.Clone()
		if err := next.Apply(patch, e.now()); err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
}

// CancelBooking cancels a booking. Cancelling a cancelled booking succeeds
// without writing or emitting anything.
func (e *Engine) CancelBooking(ctx context.Context, bookingID, actingUserID string) (err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.cancel_booking", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
	))
	defer func() { err = e.finish(span, opCancel, start, err) }()

	_, err = e.mutate(ctx, bookingID, actingUserID, func(current *booking.Booking) (*booking.Booking, bool, error) {
		if current.Status == booking.StatusCancelled {
			return current, false, nil
		}
		next := current.Clone()
		cancelled := booking.StatusCancelled
		if err := next.Apply(booking.Patch{Status: &cancelled}, e.now()); err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	return err
}

// GetBooking returns a booking visible to actingUserID.
func (e *Engine) GetBooking(ctx context.Context, bookingID, actingUserID string) (_ *booking.Booking, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.get_booking", trace.WithAttributes(
		attribute.String("booking_id", bookingID),
	))
	defer func() { err = e.finish(span, opGet, start, err) }()

	actor, err := e.actor(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := booking.ValidateID(bookingID); err != nil {
		return nil, err
	}
	b, err := e.find(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !canAct(actor, b) {
		return nil, booking.Errorf(booking.KindForbidden, "user %s may not view booking %s", actor.ID, bookingID)
	}
	return b, nil
}

// ListBookings returns bookings matching f. Non-admin actors only see
// bookings they take part in.
func (e *Engine) ListBookings(ctx context.Context, f booking.Filter, actingUserID string) (_ []*booking.Booking, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.list_bookings")
	defer func() { err = e.finish(span, opList, start, err) }()

	actor, err := e.actor(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.Elevated() {
		f.ParticipantID = actor.ID
	}
	f = f.Normalize()

	var out []*booking.Booking
	err = e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.FindMany(ctx, f)
		return err
	})
	if err != nil {
		return nil, booking.Classify(err, "list bookings")
	}
	return out, nil
}

// EligibleConsultants lists the consultants auto-assignment could pick for
// the slot, with their current load.
func (e *Engine) EligibleConsultants(ctx context.Context, serviceType booking.ServiceType, scheduledTime time.Time, duration time.Duration) (_ []directory.ConsultantView, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.eligible_consultants", trace.WithAttributes(
		attribute.String("service_type", string(serviceType)),
	))
	defer func() { err = e.finish(span, opEligible, start, err) }()

	if !serviceType.Valid() {
		return nil, booking.Errorf(booking.KindValidation, "unsupported service type %q", serviceType)
	}
	now := e.now()
	if !scheduledTime.After(now) {
		return nil, booking.Errorf(booking.KindValidation, "scheduled time must be in the future")
	}
	if duration < 0 {
		return nil, booking.Errorf(booking.KindValidation, "duration must not be negative")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	out, err := e.selector.Eligible(ctx, matching.Request{
		ServiceType: serviceType,
		Span:        booking.NewSpan(scheduledTime, duration),
		Now:         now,
	}, true)
	if err != nil {
		return nil, booking.Classify(err, "find eligible consultants")
	}
	return out, nil
}

// mutate loads, authorizes and conditionally rewrites a booking, retrying
// when its status moved underneath. change returns the new state and
// whether it must be written.
func (e *Engine) mutate(ctx context.Context, bookingID, actingUserID string, change func(*booking.Booking) (*booking.Booking, bool, error)) (*booking.Booking, error) {
	actor, err := e.actor(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := booking.ValidateID(bookingID); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= e.cfg.UpdateMaxAttempts; attempt++ {
		current, err := e.find(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if !canAct(actor, current) {
			return nil, booking.Errorf(booking.KindForbidden, "user %s may not modify booking %s", actor.ID, bookingID)
		}

		next, write, err := change(current)
		if err != nil {
			return nil, err
		}
		if !write {
			return next, nil
		}

		err = e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.AtomicUpdate(ctx, next, current.Status)
		})
		if err == nil {
			e.metrics.Transition(string(current.Status), string(next.Status))
			e.logger.Info("booking updated",
				zap.String("booking_id", next.ID),
				zap.String("consultant_id", next.ConsultantID),
				zap.String("status", string(next.Status)),
				zap.String("actor_id", actor.ID))
			e.publish(ctx, next)
			return next, nil
		}
		if !errors.Is(err, booking.ErrStatusChanged) {
			return nil, booking.Classify(err, "update booking")
		}
		e.logger.Debug("booking status changed concurrently, reloading",
			zap.String("booking_id", bookingID),
			zap.Int("attempt", attempt))
	}

	return nil, booking.Errorf(booking.KindConflict,
		"booking %s kept changing concurrently, gave up after %d attempts", bookingID, e.cfg.UpdateMaxAttempts)
}

func canAct(actor *directory.User, b *booking.Booking) bool {
	return actor.Role.Elevated() || b.Involves(actor.ID)
}

// actor resolves the acting user. Unknown actors are forbidden.
func (e *Engine) actor(ctx context.Context, id string) (*directory.User, error) {
	if id == "" {
		return nil, booking.Errorf(booking.KindForbidden, "acting user id is required")
	}
	u, err := e.lookupUser(ctx, id)
	if errors.Is(err, directory.ErrUserNotFound) {
		return nil, booking.Errorf(booking.KindForbidden, "unknown acting user %s", id)
	}
	return u, err
}

func (e *Engine) lookupUser(ctx context.Context, id string) (*directory.User, error) {
	var u *directory.User
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		u, err = e.dir.GetUser(ctx, id)
		return err
	})
	if err != nil && !errors.Is(err, directory.ErrUserNotFound) {
		return nil, booking.Classify(err, "user directory unavailable")
	}
	return u, err
}

func (e *Engine) find(ctx context.Context, id string) (*booking.Booking, error) {
	var b *booking.Booking
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		b, err = e.store.FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, booking.Classify(err, "load booking")
	}
	return b, nil
}

func (e *Engine) selectConsultant(ctx context.Context, req matching.Request) (directory.ConsultantView, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	c, err := e.selector.Select(ctx, req)
	if err != nil {
		return c, booking.Classify(err, "select consultant")
	}
	return c, nil
}

func (e *Engine) checkThrottle(ctx context.Context, actor string) error {
	if e.throttle == nil {
		return nil
	}
	allowed, err := e.throttle.Allow(ctx, actor)
	if err != nil {
		e.logger.Warn("booking throttle unavailable, allowing attempt",
			zap.String("actor_id", actor),
			zap.Error(err))
		return nil
	}
	if !allowed {
		return booking.Errorf(booking.KindThrottled, "too many booking attempts, try again later")
	}
	return nil
}

func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

// publish hands pending events to the publisher after commit. The request
// context's cancellation is detached so a finished request does not abort
// delivery.
func (e *Engine) publish(ctx context.Context, b *booking.Booking) {
	ctx = context.WithoutCancel(ctx)
	correlationID := CorrelationID(ctx)
	for _, ev := range b.Changes() {
		if correlationID != "" {
			ev.WithCorrelationID(correlationID)
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.metrics.EventDispatched(string(ev.EventType), "dropped")
			e.logger.Warn("event not published",
				zap.String("event_type", string(ev.EventType)),
				zap.String("booking_id", b.ID),
				zap.Error(err))
		}
	}
	b.ClearChanges()
}

func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) error {
	defer span.End()
	if err == nil {
		e.metrics.ObserveOperation(op, start, "")
		return nil
	}
	err = booking.WithOp(err, op)
	kind := booking.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	e.metrics.ObserveOperation(op, start, string(kind))
	return err
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, *booking.Event) error { return nil }
