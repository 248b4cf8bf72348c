package matching

import (
	"context"
	"time"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// AvailabilityIndex answers calendar questions from the booking store.
// Its answers are advisory; the store's conditional insert is what
// prevents double-booking.
type AvailabilityIndex struct {
	store booking.Store
}

// NewAvailabilityIndex creates an index over store.
func NewAvailabilityIndex(store booking.Store) *AvailabilityIndex {
	return &AvailabilityIndex{store: store}
}

// HasConflict reports whether consultantID holds an active booking
// colliding with span.
func (a *AvailabilityIndex) HasConflict(ctx context.Context, consultantID string, span booking.Span) (bool, error) {
	found, err := a.store.FindMany(ctx, booking.Filter{
		ConsultantID: consultantID,
		ActiveOnly:   true,
		Overlapping:  &span,
		Limit:        1,
	})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Load counts consultantID's pending and confirmed bookings scheduled at
// or after from, capped at booking.MaxLimit.
func (a *AvailabilityIndex) Load(ctx context.Context, consultantID string, from time.Time) (int, error) {
	found, err := a.store.FindMany(ctx, booking.Filter{
		ConsultantID: consultantID,
		Statuses:     []booking.Status{booking.StatusPending, booking.StatusConfirmed},
		From:         &from,
		Limit:        booking.MaxLimit,
	})
	if err != nil {
		return 0, err
	}
	return len(found), nil
}
