// Package booking implements the booking entity, its status lifecycle and
// the domain events it emits.
package booking

import (
	"time"

	"github.com/google/uuid"
)

// Status represents booking status
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether a booking in status s occupies its consultant.
func (s Status) Active() bool { return s != StatusCancelled }

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a booking may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ServiceType is the category of a booking
type ServiceType string

const (
	ServiceConsultation ServiceType = "consultation"
	ServiceBereavement  ServiceType = "bereavement"
	ServiceEmergency    ServiceType = "emergency"
	ServiceWellness     ServiceType = "wellness"
)

// ServiceTypes lists every supported category.
var ServiceTypes = []ServiceType{ServiceConsultation, ServiceBereavement, ServiceEmergency, ServiceWellness}

// Valid reports whether t is a supported category.
func (t ServiceType) Valid() bool {
	for _, known := range ServiceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseServiceType validates a raw category.
func ParseServiceType(raw string) (ServiceType, error) {
	t := ServiceType(raw)
	if !t.Valid() {
		return "", Errorf(KindValidation, "unsupported service type %q", raw)
	}
	return t, nil
}

// ValidateID rejects identifiers that cannot name a booking. Malformed ids
// are reported as not found.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return Errorf(KindNotFound, "booking %s not found", id)
	}
	return nil
}

// Booking is a scheduled session between a user and a consultant
type Booking struct {
	ID            string
	UserID        string
	ConsultantID  string
	ServiceType   ServiceType
	ScheduledTime time.Time
	Duration      time.Duration
	Status        Status
	MeetLink      string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	changes []*Event
}

// NewParams holds the caller-supplied fields of a new booking.
type NewParams struct {
	UserID        string
	ConsultantID  string
	ServiceType   ServiceType
	ScheduledTime time.Time
	Duration      time.Duration
	MeetLink      string
	Notes         string
}

// New creates a pending booking and records BookingCreated.
// MaxDuration bounds the length of a single booking.
const MaxDuration = 24 * time.Hour

func validateDuration(d time.Duration) error {
	switch {
	case d < 0:
		return Errorf(KindValidation, "duration must not be negative")
	case d > MaxDuration:
		return Errorf(KindValidation, "duration must not exceed %s", MaxDuration)
	}
	return nil
}

func New(p NewParams, now time.Time) (*Booking, error) {
	if p.UserID == "" {
		return nil, Errorf(KindValidation, "user id is required")
	}
	if p.ConsultantID == "" {
		return nil, Errorf(KindValidation, "consultant id is required")
	}
	if !p.ServiceType.Valid() {
		return nil, Errorf(KindValidation, "unsupported service type %q", p.ServiceType)
	}
	if !p.ScheduledTime.After(now) {
		return nil, Errorf(KindValidation, "scheduled time must be in the future")
	}
	if err := validateDuration(p.Duration); err != nil {
		return nil, err
	}

	now = now.UTC()
	b := &Booking{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		ConsultantID:  p.ConsultantID,
		ServiceType:   p.ServiceType,
		ScheduledTime: p.ScheduledTime.UTC(),
		Duration:      p.Duration,
		Status:        StatusPending,
		MeetLink:      p.MeetLink,
		Notes:         p.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := b.record(EventBookingCreated, &BookingCreatedData{
		BookingID:     b.ID,
		UserID:        b.UserID,
		ConsultantID:  b.ConsultantID,
		ScheduledTime: b.ScheduledTime,
		ServiceType:   b.ServiceType,
	}, now)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Span returns the calendar time the booking occupies.
func (b *Booking) Span() Span { return NewSpan(b.ScheduledTime, b.Duration) }

// Involves reports whether userID is the booking's user or consultant.
func (b *Booking) Involves(userID string) bool {
	return userID != "" && (b.UserID == userID || b.ConsultantID == userID)
}

// Clone returns a copy without pending events.
func (b *Booking) Clone() *Booking {
	c := *b
	c.changes = nil
	return &c
}

// Changes returns uncommitted events
func (b *Booking) Changes() []*Event { return b.changes }

// ClearChanges clears uncommitted events
func (b *Booking) ClearChanges() { b.changes = nil }

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	ScheduledTime *time.Time
	Duration      *time.Duration
	Status        *Status
	MeetLink      *string
	Notes         *string
}

// Empty reports whether the patch carries no field.
func (p Patch) Empty() bool {
	return p.ScheduledTime == nil && p.Duration == nil && p.Status == nil && p.MeetLink == nil && p.Notes == nil
}

// Reschedules reports whether the patch moves the booking on the calendar.
func (p Patch) Reschedules() bool { return p.ScheduledTime != nil || p.Duration != nil }

// Apply validates p against the current state and applies it. Nothing is
// changed when an error is returned.
func (b *Booking) Apply(p Patch, now time.Time) error {
	if p.Empty() {
		return Errorf(KindValidation, "no fields to update")
	}

	next := b.Status
	if p.Status != nil {
		if !p.Status.Valid() {
			return Errorf(KindValidation, "unknown status %q", *p.Status)
		}
		if !CanTransition(b.Status, *p.Status) {
			return Errorf(KindInvalidTransition, "cannot move booking from %s to %s", b.Status, *p.Status)
		}
		next = *p.Status
	}
	if p.ScheduledTime != nil && !p.ScheduledTime.After(now) {
		return Errorf(KindValidation, "scheduled time must be in the future")
	}
	if p.Duration != nil {
		if err := validateDuration(*p.Duration); err != nil {
			return err
		}
	}
	if p.Reschedules() && (b.Status.Terminal() || next.Terminal()) {
		return Errorf(KindInvalidTransition, "cannot reschedule a %s booking", next)
	}

	prev := b.Status
	if p.ScheduledTime != nil {
		b.ScheduledTime = p.ScheduledTime.UTC()
	}
	if p.Duration != nil {
		b.Duration = *p.Duration
	}
	if p.MeetLink != nil {
		b.MeetLink = *p.MeetLink
	}
	if p.Notes != nil {
		b.Notes = *p.Notes
	}
	b.Status = next
	b.touch(now)

	if prev != StatusCancelled && next == StatusCancelled {
		return b.record(EventBookingCancelled, &BookingCancelledData{
			BookingID:     b.ID,
			UserID:        b.UserID,
			ConsultantID:  b.ConsultantID,
			ScheduledTime: b.ScheduledTime,
		}, now)
	}
	return nil
}

func (b *Booking) touch(now time.Time) {
	now = now.UTC()
	if now.Before(b.CreatedAt) {
		now = b.CreatedAt
	}
	b.UpdatedAt = now
}

func (b *Booking) record(eventType EventType, data interface{}, at time.Time) error {
	event, err := NewEvent(b.ID, eventType, data, at)
	if err != nil {
		return Wrap(KindTransient, err, "encode event")
	}
	b.changes = append(b.changes, event)
	return nil
}
