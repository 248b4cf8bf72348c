package booking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened to a booking.
type EventType string

const (
	EventBookingCreated   EventType = "BookingCreated"
	EventBookingCancelled EventType = "BookingCancelled"
)

// AggregateType tags every event emitted by a booking.
const AggregateType = "Booking"

// Event is the envelope published after a booking commits. Consumers key
// deduplication on ID and ordering on AggregateID.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent wraps data for the booking bookingID, stamped at at in UTC.
func NewEvent(bookingID string, eventType EventType, data any, at time.Time) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   bookingID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     raw,
		Timestamp:     at.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s payload of event %s: %w", e.EventType, e.ID, err)
	}
	return nil
}

// WithCorrelationID tags the event with the request that caused it.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// BookingCreatedData is the payload of BookingCreated
type BookingCreatedData struct {
	BookingID     string      `json:"booking_id"`
	UserID        string      `json:"user_id"`
	ConsultantID  string      `json:"consultant_id"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	ServiceType   ServiceType `json:"service_type"`
}

// BookingCancelledData is the payload of BookingCancelled. Only BookingID is
// guaranteed; the rest helps consumers address notifications.
type BookingCancelledData struct {
	BookingID     string    `json:"booking_id"`
	UserID        string    `json:"user_id,omitempty"`
	ConsultantID  string    `json:"consultant_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
}
