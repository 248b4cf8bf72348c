package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
	"github.com/swiftcare/booking-engine/pkg/idempotency"
)

// ErrUndeliverable marks events that can never be delivered, such as ones
// whose recipient no longer exists. They are not retried.
var ErrUndeliverable = errors.New("notification undeliverable")

// handlerName scopes inbox keys to this consumer.
const handlerName = "booking-notifier"

// Inbox deduplicates redelivered events. *idempotency.Inbox satisfies it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, fn idempotency.HandlerFunc) (idempotency.Outcome, error)
}

// Notifier emails booking participants about lifecycle events.
type Notifier struct {
	dir     directory.Directory
	mailer  Mailer
	inbox   Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNotifier creates a notifier. inbox may be nil, in which case
// redelivered events are mailed again.
func NewNotifier(dir directory.Directory, mailer Mailer, inbox Inbox, m *metrics.Metrics, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{dir: dir, mailer: mailer, inbox: inbox, metrics: m, logger: logger}
}

// IsTerminal reports errors the inbox must not retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUndeliverable)
}

// Handle delivers the notification for ev once.
func (n *Notifier) Handle(ctx context.Context, ev *booking.Event) error {
	log := n.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("booking_id", ev.AggregateID),
		zap.String("correlation_id", ev.CorrelationID),
	)

	if n.inbox == nil {
		return n.record(log, ev, n.deliver(ctx, ev))
	}

	outcome, err := n.inbox.Process(ctx, idempotency.Key(handlerName, ev.ID), handlerName, func(ctx context.Context) error {
		return n.deliver(ctx, ev)
	})
	if outcome == idempotency.OutcomeDuplicate {
		log.Debug("duplicate event skipped")
		return nil
	}
	if errors.Is(err, idempotency.ErrPreviouslyFailed) {
		log.Warn("event previously failed permanently")
		return nil
	}
	return n.record(log, ev, err)
}

func (n *Notifier) record(log *zap.Logger, ev *booking.Event, err error) error {
	switch {
	case err == nil:
		n.metrics.NotificationSent(string(ev.EventType), "sent")
	case IsTerminal(err):
		log.Warn("event undeliverable", zap.Error(err))
		n.metrics.NotificationSent(string(ev.EventType), "undeliverable")
		return nil
	default:
		n.metrics.NotificationSent(string(ev.EventType), "failed")
	}
	return err
}

func (n *Notifier) deliver(ctx context.Context, ev *booking.Event) error {
	switch ev.EventType {
	case booking.EventBookingCreated:
		var data booking.BookingCreatedData
		if err := ev.Decode(&data); err != nil {
			return fmt.Errorf("%w: %v", ErrUndeliverable, err)
		}
		return n.send(ctx, data.UserID, data.ConsultantID, func(user, consultant *directory.User) Message {
			return confirmationMessage(user, consultant, data.ScheduledTime, data.ServiceType, ev.AggregateID)
		})
	case booking.EventBookingCancelled:
		var data booking.BookingCancelledData
		if err := ev.Decode(&data); err != nil {
			return fmt.Errorf("%w: %v", ErrUndeliverable, err)
		}
		return n.send(ctx, data.UserID, data.ConsultantID, func(user, consultant *directory.User) Message {
			return cancellationMessage(user, consultant, data.ScheduledTime, ev.AggregateID)
		})
	default:
		n.logger.Debug("ignoring event", zap.String("event_type", string(ev.EventType)))
		return nil
	}
}

// send resolves the user and consultant and mails the user. A missing
// consultant only removes their name from the message.
func (n *Notifier) send(ctx context.Context, userID, consultantID string, compose func(user, consultant *directory.User) Message) error {
	user, err := n.dir.GetUser(ctx, userID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return fmt.Errorf("%w: user %s not found", ErrUndeliverable, userID)
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.Email == "" {
		return fmt.Errorf("%w: user %s has no email", ErrUndeliverable, userID)
	}

	consultant, err := n.dir.GetUser(ctx, consultantID)
	if err != nil && !errors.Is(err, directory.ErrUserNotFound) {
		return fmt.Errorf("lookup consultant: %w", err)
	}
	return n.mailer.Send(ctx, compose(user, consultant))
}

func confirmationMessage(user, consultant *directory.User, at time.Time, service booking.ServiceType, bookingID string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", greeting(user))
	fmt.Fprintf(&b, "Your %s session is booked for %s", service, at.UTC().Format("Monday, 2 January 2006 at 15:04 MST"))
	if name := consultantName(consultant); name != "" {
		fmt.Fprintf(&b, " with %s", name)
	}
	fmt.Fprintf(&b, ".\n\nBooking reference: %s\n", bookingID)
	return Message{To: user.Email, Subject: "Your booking is confirmed", Body: b.String()}
}

func cancellationMessage(user, consultant *directory.User, at time.Time, bookingID string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", greeting(user))
	fmt.Fprintf(&b, "Your session on %s", at.UTC().Format("Monday, 2 January 2006 at 15:04 MST"))
	if name := consultantName(consultant); name != "" {
		fmt.Fprintf(&b, " with %s", name)
	}
	fmt.Fprintf(&b, " has been cancelled.\n\nBooking reference: %s\n", bookingID)
	return Message{To: user.Email, Subject: "Your booking was cancelled", Body: b.String()}
}

func greeting(u *directory.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Email
}

func consultantName(u *directory.User) string {
	if u == nil {
		return ""
	}
	return u.FullName()
}
