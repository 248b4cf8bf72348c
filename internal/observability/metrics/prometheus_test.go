package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperationCountsFailures(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("create", time.Now(), "conflict")
	m.ObserveOperation("create", time.Now(), "")

	if got := testutil.ToFloat64(m.BookingsFailed.WithLabelValues("create", "conflict")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestTransitionIgnoresNoop(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Transition("pending", "pending")
	m.Transition("pending", "confirmed")

	if got := testutil.CollectAndCount(m.StatusTransitions); got != 1 {
		t.Errorf("series = %d, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BookingCreated("wellness")
	m.ObserveOperation("create", time.Now(), "transient")
	m.SetOutboxPending(3)
	m.SetConsumerLag(7)
}
