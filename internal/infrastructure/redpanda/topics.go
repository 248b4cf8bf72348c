package redpanda

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Booking topics. Events are keyed by booking id, so every event of one
// booking lands on the same partition in order.
const (
	TopicBookingEvents = "booking.events"
	TopicDeadLetter    = "booking.dead-letter"
)

// TopicSpec describes a topic the services expect to exist.
type TopicSpec struct {
	Name       string
	Partitions int32
	Retention  string
	Compress   bool
}

// BookingTopics lists the topics produced by the booking services.
func BookingTopics() []TopicSpec {
	return []TopicSpec{
		{Name: TopicBookingEvents, Partitions: 6, Retention: "604800000", Compress: true},
		// dead letters are inspected by hand; keep them a month
		{Name: TopicDeadLetter, Partitions: 1, Retention: "2592000000"},
	}
}

func (s TopicSpec) configs() map[string]*string {
	cfg := map[string]*string{
		"retention.ms":   kadm.StringPtr(s.Retention),
		"cleanup.policy": kadm.StringPtr("delete"),
	}
	if s.Compress {
		cfg["compression.type"] = kadm.StringPtr("lz4")
	}
	return cfg
}

// Admin creates topics and reads consumer lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client for brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the missing booking topics with the given
// replication factor. Existing topics are left untouched.
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) error {
	for _, topic := range BookingTopics() {
		resp, err := a.client.CreateTopic(ctx, topic.Partitions, replication, topic.configs(), topic.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", topic.Name))
		case err != nil:
			return fmt.Errorf("failed to create topic %s: %w", topic.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", topic.Name),
				zap.Int32("partitions", topic.Partitions),
				zap.Int16("replication", replication))
		}
	}
	return nil
}

// GroupLag returns the total number of records group has yet to consume.
func (a *Admin) GroupLag(ctx context.Context, group string) (int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("failed to read lag of %s: %w", group, err)
	}
	var total int64
	lags.Each(func(l kadm.DescribedGroupLag) {
		if l.Error() != nil {
			return
		}
		total += l.Lag.Total()
	})
	return total, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
