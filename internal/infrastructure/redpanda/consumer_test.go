package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

var errFatal = errors.New("fatal")

func retryConfig(attempts int) ConsumerConfig {
	cfg := DefaultConsumerConfig()
	cfg.HandlerAttempts = attempts
	cfg.RetryBackoff = time.Millisecond
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errFatal) }
	return cfg
}

func TestHandleWithRetry(t *testing.T) {
	flaky := errors.New("flaky")
	tests := []struct {
		name     string
		attempts int
		results  []error
		calls    int
		want     error
	}{
		{"first try", 3, []error{nil}, 1, nil},
		{"recovers", 3, []error{flaky, flaky, nil}, 3, nil},
		{"exhausted", 2, []error{flaky, flaky, nil}, 2, flaky},
		{"terminal", 5, []error{errFatal, nil}, 1, errFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := handleWithRetry(context.Background(), retryConfig(tt.attempts), func(context.Context, *ConsumedMessage) error {
				err := tt.results[calls]
				calls++
				return err
			}, &ConsumedMessage{})
			assert.Equal(t, tt.calls, calls)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestHandleWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retryConfig(10)
	cfg.RetryBackoff = time.Hour

	calls := 0
	err := handleWithRetry(ctx, cfg, func(context.Context, *ConsumedMessage) error {
		calls++
		cancel()
		return errors.New("down")
	}, &ConsumedMessage{})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeadLetterRecordKeepsPayload(t *testing.T) {
	rec := &kgo.Record{
		Topic:   TopicBookingEvents,
		Offset:  42,
		Key:     []byte("b1"),
		Value:   []byte(`{"id":"e1"}`),
		Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("00-abc")}},
	}

	dlq := deadLetterRecord(rec, TopicDeadLetter, errors.New("smtp refused"))
	assert.Equal(t, TopicDeadLetter, dlq.Topic)
	assert.Equal(t, rec.Key, dlq.Key)
	assert.Equal(t, rec.Value, dlq.Value)

	msg := toMessage(dlq)
	require.Len(t, msg.Headers, 4)
	assert.Equal(t, TopicBookingEvents, msg.Headers[HeaderOriginalTopic])
	assert.Equal(t, "42", msg.Headers[HeaderOriginalOffset])
	assert.Equal(t, "smtp refused", msg.Headers[HeaderFailure])
	assert.Equal(t, "00-abc", msg.Headers["traceparent"])
}

func TestProduceUntilStoredRetriesDeadLetter(t *testing.T) {
	unavailable := errors.New("leader not available")
	calls, failures := 0, 0
	err := produceUntilStored(context.Background(), time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return unavailable
		}
		return nil
	}, func(attempt int, err error) {
		failures++
		assert.ErrorIs(t, err, unavailable)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, failures)
}

func TestProduceUntilStoredGivesUpOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	unavailable := errors.New("leader not available")
	err := produceUntilStored(ctx, time.Hour, func(context.Context) error {
		return unavailable
	}, func(int, error) { cancel() })
	assert.ErrorIs(t, err, unavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
