// Package metrics provides Prometheus metrics for the booking engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	BookingsCreated       *prometheus.CounterVec
	BookingsFailed        *prometheus.CounterVec
	StatusTransitions     *prometheus.CounterVec
	AssignmentRetries     prometheus.Counter
	OperationDuration     *prometheus.HistogramVec
	EventsDispatched      *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	NotificationsSent     *prometheus.CounterVec
	ConsumerLag           prometheus.Gauge
}

// New creates metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BookingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookings_created_total",
			Help: "Bookings created, by service type",
		}, []string{"service_type"}),
		BookingsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_operations_failed_total",
			Help: "Failed booking operations, by operation and error kind",
		}, []string{"operation", "kind"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_status_transitions_total",
			Help: "Committed status transitions",
		}, []string{"from", "to"}),
		AssignmentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_assignment_retries_total",
			Help: "Auto-assignment retries after losing a slot race",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booking_operation_duration_seconds",
			Help:    "Booking operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_events_dispatched_total",
			Help: "Domain events handed to a sink, by result",
		}, []string{"event_type", "result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_notifications_total",
			Help: "Notification emails, by event type and result",
		}, []string{"event_type", "result"}),
		ConsumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records the notification consumer group has yet to read",
		}),
	}

	reg.MustRegister(
		m.BookingsCreated,
		m.BookingsFailed,
		m.StatusTransitions,
		m.AssignmentRetries,
		m.OperationDuration,
		m.EventsDispatched,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.NotificationsSent,
		m.ConsumerLag,
	)
	return m
}

// ObserveOperation records the duration of op and, when kind is set, a
// failure of that kind.
func (m *Metrics) ObserveOperation(op string, start time.Time, kind string) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if kind != "" {
		m.BookingsFailed.WithLabelValues(op, kind).Inc()
	}
}

// BookingCreated counts a committed booking.
func (m *Metrics) BookingCreated(serviceType string) {
	if m == nil {
		return
	}
	m.BookingsCreated.WithLabelValues(serviceType).Inc()
}

// Transition counts a committed status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

// AssignmentRetry counts one auto-assignment retry.
func (m *Metrics) AssignmentRetry() {
	if m == nil {
		return
	}
	m.AssignmentRetries.Inc()
}

// EventDispatched counts an event handed to a sink.
func (m *Metrics) EventDispatched(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(eventType, result).Inc()
}

// NotificationSent counts a notification attempt.
func (m *Metrics) NotificationSent(eventType, result string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(eventType, result).Inc()
}

// MessageProduced counts a Kafka message written.
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a Kafka message read.
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending reports the outbox backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetConsumerLag reports the consumer group backlog.
func (m *Metrics) SetConsumerLag(n int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
