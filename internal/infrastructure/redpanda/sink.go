package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// RecordPublisher sends raw records. *Producer satisfies it.
type RecordPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventSink streams booking events straight to a topic, keyed by booking
// id so one booking's events stay ordered.
type EventSink struct {
	publisher RecordPublisher
	topic     string
}

// NewEventSink creates a sink writing to topic.
func NewEventSink(p RecordPublisher, topic string) *EventSink {
	return &EventSink{publisher: p, topic: topic}
}

// Name identifies the sink in logs and metrics.
func (s *EventSink) Name() string { return "kafka" }

// Publish encodes ev as JSON and produces it.
func (s *EventSink) Publish(ctx context.Context, ev *booking.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.publisher.Publish(ctx, s.topic, ev.AggregateID, payload)
}

// DecodeEvent parses a record value written by EventSink or the outbox
// relay.
func DecodeEvent(msg *ConsumedMessage) (*booking.Event, error) {
	var ev booking.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	if ev.ID == "" || ev.EventType == "" {
		return nil, fmt.Errorf("record at %s/%d@%d is not a booking event", msg.Topic, msg.Partition, msg.Offset)
	}
	return &ev, nil
}
