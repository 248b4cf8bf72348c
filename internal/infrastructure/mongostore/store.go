// Package mongostore provides MongoDB implementations of the booking store
// and user directory.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

const (
	bookingsCollection = "bookings"
	locksCollection    = "consultant_locks"
)

type bookingDoc struct {
	ID              string    `bson:"_id"`
	UserID          string    `bson:"user_id"`
	ConsultantID    string    `bson:"consultant_id"`
	ServiceType     string    `bson:"service_type"`
	ScheduledTime   time.Time `bson:"scheduled_time"`
	DurationSeconds int64     `bson:"duration_seconds"`
	EndsAt          time.Time `bson:"ends_at"`
	Status          string    `bson:"status"`
	Active          bool      `bson:"active"`
	MeetLink        string    `bson:"meet_link,omitempty"`
	Notes           string    `bson:"notes,omitempty"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func toDoc(b *booking.Booking) bookingDoc {
	return bookingDoc{
		ID:              b.ID,
		UserID:          b.UserID,
		ConsultantID:    b.ConsultantID,
		ServiceType:     string(b.ServiceType),
		ScheduledTime:   b.ScheduledTime,
		DurationSeconds: int64(b.Duration / time.Second),
		EndsAt:          b.Span().End,
		Status:          string(b.Status),
		Active:          b.Status.Active(),
		MeetLink:        b.MeetLink,
		Notes:           b.Notes,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func (d bookingDoc) toBooking() *booking.Booking {
	return &booking.Booking{
		ID:            d.ID,
		UserID:        d.UserID,
		ConsultantID:  d.ConsultantID,
		ServiceType:   booking.ServiceType(d.ServiceType),
		ScheduledTime: d.ScheduledTime.UTC(),
		Duration:      time.Duration(d.DurationSeconds) * time.Second,
		Status:        booking.Status(d.Status),
		MeetLink:      d.MeetLink,
		Notes:         d.Notes,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

// Store keeps bookings in MongoDB. Writes that could double-book a
// consultant run in a transaction that first bumps the consultant's lock
// document, so concurrent writers for one consultant serialize on a write
// conflict. Transactions need a replica set.
type Store struct {
	client   *mongo.Client
	bookings *mongo.Collection
	locks    *mongo.Collection
	logger   *zap.Logger
}

// NewStore creates a store in db
func NewStore(db *mongo.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:   db.Client(),
		bookings: db.Collection(bookingsCollection),
		locks:    db.Collection(locksCollection),
		logger:   logger,
	}
}

// EnsureIndexes creates the indexes the store relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "consultant_id", Value: 1}, {Key: "scheduled_time", Value: 1}},
			Options: options.Index().
				SetName("active_consultant_start_uq").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "consultant_id", Value: 1}, {Key: "active", Value: 1}, {Key: "scheduled_time", Value: 1}},
			Options: options.Index().SetName("consultant_active_time_idx"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "scheduled_time", Value: 1}},
			Options: options.Index().SetName("user_time_idx"),
		},
	}
	if _, err := s.bookings.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create booking indexes: %w", err)
	}
	return nil
}

// InsertIfNoConflict implements booking.Store.
func (s *Store) InsertIfNoConflict(ctx context.Context, b *booking.Booking) error {
	doc := toDoc(b)
	err := s.withConsultantLock(ctx, b.ConsultantID, func(sc mongo.SessionContext) error {
		if doc.Active {
			if err := s.checkOverlap(sc, b.ConsultantID, b.Span(), ""); err != nil {
				return err
			}
		}
		_, err := s.bookings.InsertOne(sc, doc)
		return err
	})
	return translate(err, "insert booking")
}

// FindByID implements booking.Store.
func (s *Store) FindByID(ctx context.Context, id string) (*booking.Booking, error) {
	var doc bookingDoc
	err := s.bookings.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, booking.Errorf(booking.KindNotFound, "booking %s not found", id)
	}
	if err != nil {
		return nil, translate(err, "load booking")
	}
	return doc.toBooking(), nil
}

// FindMany implements booking.Store.
func (s *Store) FindMany(ctx context.Context, f booking.Filter) ([]*booking.Booking, error) {
	f = f.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "scheduled_time", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(f.Limit))

	cursor, err := s.bookings.Find(ctx, filterDoc(f), opts)
	if err != nil {
		return nil, translate(err, "query bookings")
	}
	defer cursor.Close(ctx)

	var docs []bookingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translate(err, "decode bookings")
	}
	out := make([]*booking.Booking, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toBooking())
	}
	return out, nil
}

// AtomicUpdate implements booking.Store.
func (s *Store) AtomicUpdate(ctx context.Context, b *booking.Booking, expected booking.Status) error {
	doc := toDoc(b)
	update := bson.M{"$set": bson.M{
		"scheduled_time":   doc.ScheduledTime,
		"duration_seconds": doc.DurationSeconds,
		"ends_at":          doc.EndsAt,
		"status":           doc.Status,
		"active":           doc.Active,
		"meet_link":        doc.MeetLink,
		"notes":            doc.Notes,
		"updated_at":       doc.UpdatedAt,
	}}
	filter := bson.M{"_id": b.ID, "status": string(expected)}

	apply := func(ctx context.Context) error {
		res, err := s.bookings.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 1 {
			return nil
		}
		n, err := s.bookings.CountDocuments(ctx, bson.M{"_id": b.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return booking.Errorf(booking.KindNotFound, "booking %s not found", b.ID)
		}
		return booking.ErrStatusChanged
	}

	if !doc.Active {
		return translate(apply(ctx), "update booking")
	}
	err := s.withConsultantLock(ctx, b.ConsultantID, func(sc mongo.SessionContext) error {
		if err := s.checkOverlap(sc, b.ConsultantID, b.Span(), b.ID); err != nil {
			return err
		}
		return apply(sc)
	})
	return translate(err, "update booking")
}

func (s *Store) withConsultantLock(ctx context.Context, consultantID string, fn func(mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("could not start mongo session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		_, err := s.locks.UpdateOne(sc,
			bson.M{"_id": consultantID},
			bson.M{"$inc": bson.M{"version": 1}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return nil, err
		}
		return nil, fn(sc)
	})
	return err
}

func (s *Store) checkOverlap(ctx context.Context, consultantID string, span booking.Span, excludeID string) error {
	filter := bson.M{"$and": bson.A{
		bson.M{"consultant_id": consultantID, "active": true},
		overlapFilter(span),
	}}
	if excludeID != "" {
		filter["_id"] = bson.M{"$ne": excludeID}
	}
	n, err := s.bookings.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n > 0 {
		return booking.Errorf(booking.KindConflict, "consultant %s already booked for this time", consultantID)
	}
	return nil
}

// overlapFilter matches stored bookings whose span collides with q under
// the same rules as booking.Span.Overlaps.
func overlapFilter(q booking.Span) bson.M {
	startsBeforeQEnds := bson.M{"scheduled_time": bson.M{"$lt": q.End}}
	if q.Instant() {
		startsBeforeQEnds = bson.M{"scheduled_time": bson.M{"$lte": q.Start}}
	}
	qStartsBeforeItEnds := bson.M{"$or": bson.A{
		bson.M{"duration_seconds": bson.M{"$gt": 0}, "ends_at": bson.M{"$gt": q.Start}},
		bson.M{"duration_seconds": 0, "scheduled_time": bson.M{"$gte": q.Start}},
	}}
	return bson.M{"$and": bson.A{startsBeforeQEnds, qStartsBeforeItEnds}}
}

func filterDoc(f booking.Filter) bson.M {
	var conds bson.A
	if f.UserID != "" {
		conds = append(conds, bson.M{"user_id": f.UserID})
	}
	if f.ConsultantID != "" {
		conds = append(conds, bson.M{"consultant_id": f.ConsultantID})
	}
	if f.ParticipantID != "" {
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{"user_id": f.ParticipantID},
			bson.M{"consultant_id": f.ParticipantID},
		}})
	}
	if len(f.Statuses) > 0 {
		statuses := make(bson.A, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, bson.M{"status": bson.M{"$in": statuses}})
	}
	if f.ActiveOnly {
		conds = append(conds, bson.M{"active": true})
	}
	if f.Overlapping != nil {
		conds = append(conds, overlapFilter(*f.Overlapping))
	}
	if f.From != nil {
		conds = append(conds, bson.M{"scheduled_time": bson.M{"$gte": *f.From}})
	}
	if f.To != nil {
		conds = append(conds, bson.M{"scheduled_time": bson.M{"$lt": *f.To}})
	}
	if len(conds) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": conds}
}

func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	if booking.KindOf(err) != "" {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return booking.Wrap(booking.KindConflict, err, "consultant already booked for this time")
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return booking.Wrap(booking.KindConflict, err, "concurrent booking for the same consultant")
	}
	return booking.Classify(err, msg)
}
