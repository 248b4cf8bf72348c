package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	err    error
	events []*booking.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, ev *booking.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func newEvent(t *testing.T, id string) *booking.Event {
	t.Helper()
	ev, err := booking.NewEvent(id, booking.EventBookingCreated, &booking.BookingCreatedData{BookingID: id}, time.Now())
	require.NoError(t, err)
	return ev
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.Pool.Workers = 2
	cfg.Pool.RetryDelay = time.Millisecond
	cfg.Pool.MaxRetries = 1
	return cfg
}

func TestDispatcherDeliversEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d, err := NewDispatcher(sink, testDispatcherConfig(), m, nil)
	require.NoError(t, err)
	d.Start()

	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, d.Publish(context.Background(), newEvent(t, id)))
	}
	d.Stop()

	assert.Len(t, sink.events, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDispatched.WithLabelValues("BookingCreated", "ok")))
	assert.True(t, d.Healthy())
}

func TestDispatcherCountsFailedDelivery(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	m := metrics.New(prometheus.NewRegistry())

	d, err := NewDispatcher(sink, testDispatcherConfig(), m, nil)
	require.NoError(t, err)
	d.Start()

	require.NoError(t, d.Publish(context.Background(), newEvent(t, "b1")))
	d.Stop()

	assert.Empty(t, sink.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDispatched.WithLabelValues("BookingCreated", "failed")))
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.Pool.QueueSize = 1

	d, err := NewDispatcher(&recordingSink{}, cfg, nil, nil)
	require.NoError(t, err)

	// workers not started: the first event fills the queue
	require.NoError(t, d.Publish(context.Background(), newEvent(t, "b1")))
	assert.Error(t, d.Publish(context.Background(), newEvent(t, "b2")))

	d.Start()
	d.Stop()
}

func TestLogSinkAcceptsEvents(t *testing.T) {
	sink := NewLogSink(nil)
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Publish(context.Background(), newEvent(t, "b1")))
}
