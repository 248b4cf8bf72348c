package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

var now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func mustBooking(t *testing.T, consultant string, at time.Time, d time.Duration) *booking.Booking {
	t.Helper()
	b, err := booking.New(booking.NewParams{
		UserID:        "user-1",
		ConsultantID:  consultant,
		ServiceType:   booking.ServiceConsultation,
		ScheduledTime: at,
		Duration:      d,
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestInsertRejectsOverlap(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	at := now.Add(time.Hour)

	if err := s.InsertIfNoConflict(ctx, mustBooking(t, "c1", at, time.Hour)); err != nil {
		t.Fatal(err)
	}
	err := s.InsertIfNoConflict(ctx, mustBooking(t, "c1", at.Add(30*time.Minute), 0))
	if !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if err := s.InsertIfNoConflict(ctx, mustBooking(t, "c1", at.Add(time.Hour), 0)); err != nil {
		t.Errorf("adjacent booking rejected: %v", err)
	}
	if err := s.InsertIfNoConflict(ctx, mustBooking(t, "c2", at, 0)); err != nil {
		t.Errorf("other consultant rejected: %v", err)
	}
}

func TestCancelledBookingFreesSlot(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	at := now.Add(time.Hour)

	b := mustBooking(t, "c1", at, 0)
	if err := s.InsertIfNoConflict(ctx, b); err != nil {
		t.Fatal(err)
	}
	next := b.Clone()
	cancelled := booking.StatusCancelled
	if err := next.Apply(booking.Patch{Status: &cancelled}, now); err != nil {
		t.Fatal(err)
	}
	if err := s.AtomicUpdate(ctx, next, booking.StatusPending); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIfNoConflict(ctx, mustBooking(t, "c1", at, 0)); err != nil {
		t.Errorf("slot not freed: %v", err)
	}
}

func TestAtomicUpdateDetectsStaleStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	b := mustBooking(t, "c1", now.Add(time.Hour), 0)
	if err := s.InsertIfNoConflict(ctx, b); err != nil {
		t.Fatal(err)
	}

	err := s.AtomicUpdate(ctx, b.Clone(), booking.StatusConfirmed)
	if !errors.Is(err, booking.ErrStatusChanged) {
		t.Errorf("err = %v, want ErrStatusChanged", err)
	}

	missing := mustBooking(t, "c1", now.Add(5*time.Hour), 0)
	if err := s.AtomicUpdate(ctx, missing, booking.StatusPending); !errors.Is(err, booking.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestConcurrentInsertsOneWinner(t *testing.T) {
	s := NewStore()
	at := now.Add(2 * time.Hour)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		b := mustBooking(t, "c1", at, 45*time.Minute)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.InsertIfNoConflict(context.Background(), b); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestFindManyPaging(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.InsertIfNoConflict(ctx, mustBooking(t, "c1", now.Add(time.Duration(i+1)*time.Hour), 0)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.FindMany(ctx, booking.Filter{ConsultantID: "c1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("len = %d, want 2", len(page))
	}
	if !page[0].ScheduledTime.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("first = %v, want ordering by scheduled time", page[0].ScheduledTime)
	}
}

func TestDirectoryFiltersConsultants(t *testing.T) {
	d := NewDirectory(
		directory.User{ID: "c1", Role: directory.RoleConsultant, Specializations: []string{"Bereavement"}, Available: true},
		directory.User{ID: "c2", Role: directory.RoleConsultant, Specializations: []string{"wellness"}, Available: true},
		directory.User{ID: "c3", Role: directory.RoleConsultant, Specializations: []string{"bereavement"}, Available: false},
		directory.User{ID: "p1", Role: directory.RolePatient, Specializations: []string{"bereavement"}},
	)

	got, err := d.FindConsultantsBySpecialization(context.Background(), []string{"bereavement"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("got %+v, want only c1", got)
	}

	if _, err := d.GetUser(context.Background(), "nobody"); !errors.Is(err, directory.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}
