package booking

import (
	"context"
	"time"
)

// Paging bounds for list queries.
const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Store persists bookings. Implementations must make InsertIfNoConflict
// atomic: of two concurrent inserts for the same consultant with
// overlapping spans, at most one succeeds and the other returns an error
// matching ErrConflict.
type Store interface {
	// InsertIfNoConflict persists b unless an active booking of the same
	// consultant overlaps b's span.
	InsertIfNoConflict(ctx context.Context, b *Booking) error
	// FindByID returns ErrNotFound when no booking has the id.
	FindByID(ctx context.Context, id string) (*Booking, error)
	// FindMany returns bookings matching f ordered by scheduled time.
	FindMany(ctx context.Context, f Filter) ([]*Booking, error)
	// AtomicUpdate replaces the stored booking with b only while its status
	// still equals expected. It returns ErrStatusChanged when the status
	// moved, ErrNotFound when the booking is gone and ErrConflict when a
	// reschedule would overlap another active booking.
	AtomicUpdate(ctx context.Context, b *Booking, expected Status) error
}

// Filter selects bookings. Zero fields do not constrain the result.
type Filter struct {
	UserID       string
	ConsultantID string
	// ParticipantID matches bookings where the id is either side.
	ParticipantID string
	Statuses      []Status
	ActiveOnly    bool
	// Overlapping matches bookings whose span collides with it.
	Overlapping *Span
	// From and To bound scheduled time as [From, To).
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Normalize clamps paging to its bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether b satisfies every constraint of f except paging.
func (f Filter) Matches(b *Booking) bool {
	if f.UserID != "" && b.UserID != f.UserID {
		return false
	}
	if f.ConsultantID != "" && b.ConsultantID != f.ConsultantID {
		return false
	}
	if f.ParticipantID != "" && !b.Involves(f.ParticipantID) {
		return false
	}
	if f.ActiveOnly && !b.Status.Active() {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
		return false
	}
	if f.Overlapping != nil && !b.Span().Overlaps(*f.Overlapping) {
		return false
	}
	if f.From != nil && b.ScheduledTime.Before(*f.From) {
		return false
	}
	if f.To != nil && !b.ScheduledTime.Before(*f.To) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
