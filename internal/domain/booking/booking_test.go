package booking

import (
	"errors"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newPending(t *testing.T) *Booking {
	t.Helper()
	b, err := New(NewParams{
		UserID:        "user-1",
		ConsultantID:  "consultant-1",
		ServiceType:   ServiceWellness,
		ScheduledTime: now.Add(24 * time.Hour),
		Duration:      time.Hour,
	}, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRecordsCreated(t *testing.T) {
	b := newPending(t)

	if b.Status != StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if len(b.Changes()) != 1 || b.Changes()[0].EventType != EventBookingCreated {
		t.Fatalf("changes = %+v, want one BookingCreated", b.Changes())
	}

	var data BookingCreatedData
	if err := b.Changes()[0].Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.BookingID != b.ID || data.ConsultantID != "consultant-1" || data.ServiceType != ServiceWellness {
		t.Errorf("unexpected payload %+v", data)
	}
	if !b.UpdatedAt.Equal(b.CreatedAt) {
		t.Errorf("updated %v != created %v", b.UpdatedAt, b.CreatedAt)
	}
}

func TestNewRejectsPastAndPresent(t *testing.T) {
	for _, at := range []time.Time{now, now.Add(-time.Minute)} {
		_, err := New(NewParams{
			UserID: "u", ConsultantID: "c", ServiceType: ServiceEmergency, ScheduledTime: at,
		}, now)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("scheduled %v: err = %v, want validation", at, err)
		}
	}
}

func TestNewRejectsUnknownServiceType(t *testing.T) {
	_, err := New(NewParams{
		UserID: "u", ConsultantID: "c", ServiceType: "massage", ScheduledTime: now.Add(time.Hour),
	}, now)
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %q, want validation_error", KindOf(err))
	}
}

func TestDurationBounds(t *testing.T) {
	tests := []struct {
		d  time.Duration
		ok bool
	}{
		{0, true},
		{MaxDuration, true},
		{-time.Minute, false},
		{MaxDuration + time.Minute, false},
	}
	for _, tt := range tests {
		_, err := New(NewParams{
			UserID: "u", ConsultantID: "c", ServiceType: ServiceWellness, ScheduledTime: now.Add(time.Hour), Duration: tt.d,
		}, now)
		if (err == nil) != tt.ok {
			t.Errorf("New with %v: err = %v", tt.d, err)
		}

		b := newPending(t)
		d := tt.d
		if err := b.Apply(Patch{Duration: &d}, now); (err == nil) != tt.ok {
			t.Errorf("Apply with %v: err = %v", tt.d, err)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusConfirmed, StatusCompleted, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusConfirmed, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApplyCancelRecordsEventOnce(t *testing.T) {
	b := newPending(t)
	b.ClearChanges()
	cancelled := StatusCancelled

	if err := b.Apply(Patch{Status: &cancelled}, now.Add(time.Minute)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(b.Changes()) != 1 || b.Changes()[0].EventType != EventBookingCancelled {
		t.Fatalf("changes = %+v, want one BookingCancelled", b.Changes())
	}
	if !b.UpdatedAt.After(b.CreatedAt) {
		t.Errorf("updated timestamp did not advance")
	}

	b.ClearChanges()
	if err := b.Apply(Patch{Status: &cancelled}, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(b.Changes()) != 0 {
		t.Errorf("repeat cancel recorded %d events", len(b.Changes()))
	}
}

func TestApplyRejectsReviveOfCancelled(t *testing.T) {
	b := newPending(t)
	cancelled, confirmed := StatusCancelled, StatusConfirmed
	if err := b.Apply(Patch{Status: &cancelled}, now); err != nil {
		t.Fatal(err)
	}

	err := b.Apply(Patch{Status: &confirmed}, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	if b.Status != StatusCancelled {
		t.Errorf("status changed to %s", b.Status)
	}
}

func TestApplyIsAtomicOnError(t *testing.T) {
	b := newPending(t)
	past := now.Add(-time.Hour)
	notes := "bring documents"

	err := b.Apply(Patch{ScheduledTime: &past, Notes: &notes}, now)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if b.Notes != "" {
		t.Errorf("notes applied despite error")
	}
}

func TestApplyRescheduleTerminal(t *testing.T) {
	b := newPending(t)
	confirmed, completed := StatusConfirmed, StatusCompleted
	if err := b.Apply(Patch{Status: &confirmed}, now); err != nil {
		t.Fatal(err)
	}
	if err := b.Apply(Patch{Status: &completed}, now); err != nil {
		t.Fatal(err)
	}

	later := now.Add(48 * time.Hour)
	if err := b.Apply(Patch{ScheduledTime: &later}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reschedule completed: err = %v, want invalid transition", err)
	}

	notes := "follow-up sent"
	if err := b.Apply(Patch{Notes: &notes}, now); err != nil {
		t.Errorf("notes on completed booking: %v", err)
	}
}

func TestApplyEmptyPatch(t *testing.T) {
	b := newPending(t)
	if err := b.Apply(Patch{}, now); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if err := ValidateID("0f8fad5b-d9cb-469f-a165-70867728950e"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
}
