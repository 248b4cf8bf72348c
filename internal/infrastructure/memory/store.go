// Package memory provides process-local implementations of the booking
// store and user directory, used by tests and the memory storage driver.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// Store is a mutex-guarded booking store
type Store struct {
	mu       sync.RWMutex
	bookings map[string]*booking.Booking
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{bookings: make(map[string]*booking.Booking)}
}

// InsertIfNoConflict implements booking.Store.
func (s *Store) InsertIfNoConflict(ctx context.Context, b *booking.Booking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bookings[b.ID]; exists {
		return booking.Errorf(booking.KindConflict, "booking %s already exists", b.ID)
	}
	if b.Status.Active() {
		if other := s.overlapping(b, ""); other != nil {
			return booking.Errorf(booking.KindConflict, "consultant %s already booked by %s", b.ConsultantID, other.ID)
		}
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

// FindByID implements booking.Store.
func (s *Store) FindByID(ctx context.Context, id string) (*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.Errorf(booking.KindNotFound, "booking %s not found", id)
	}
	return b.Clone(), nil
}

// FindMany implements booking.Store.
func (s *Store) FindMany(ctx context.Context, f booking.Filter) ([]*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f = f.Normalize()

	s.mu.RLock()
	matched := make([]*booking.Booking, 0)
	for _, b := range s.bookings {
		if f.Matches(b) {
			matched = append(matched, b.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ScheduledTime.Equal(matched[j].ScheduledTime) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].ScheduledTime.Before(matched[j].ScheduledTime)
	})

	if f.Offset >= len(matched) {
		return []*booking.Booking{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// AtomicUpdate implements booking.Store.
func (s *Store) AtomicUpdate(ctx context.Context, b *booking.Booking, expected booking.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bookings[b.ID]
	if !ok {
		return booking.Errorf(booking.KindNotFound, "booking %s not found", b.ID)
	}
	if current.Status != expected {
		return booking.ErrStatusChanged
	}
	moved := !current.ScheduledTime.Equal(b.ScheduledTime) || current.Duration != b.Duration
	if moved && b.Status.Active() {
		if other := s.overlapping(b, b.ID); other != nil {
			return booking.Errorf(booking.KindConflict, "consultant %s already booked by %s", b.ConsultantID, other.ID)
		}
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

// Len returns the number of stored bookings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bookings)
}

func (s *Store) overlapping(b *booking.Booking, skipID string) *booking.Booking {
	span := b.Span()
	for id, other := range s.bookings {
		if id == skipID || other.ConsultantID != b.ConsultantID || !other.Status.Active() {
			continue
		}
		if other.Span().Overlaps(span) {
			return other
		}
	}
	return nil
}
