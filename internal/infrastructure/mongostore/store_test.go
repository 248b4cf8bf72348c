package mongostore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestOverlapFilterForInterval(t *testing.T) {
	q := booking.NewSpan(t0, time.Hour)
	got := overlapFilter(q)

	want := bson.M{"$and": bson.A{
		bson.M{"scheduled_time": bson.M{"$lt": t0.Add(time.Hour)}},
		bson.M{"$or": bson.A{
			bson.M{"duration_seconds": bson.M{"$gt": 0}, "ends_at": bson.M{"$gt": t0}},
			bson.M{"duration_seconds": 0, "scheduled_time": bson.M{"$gte": t0}},
		}},
	}}
	assert.Equal(t, want, got)
}

func TestOverlapFilterForInstant(t *testing.T) {
	got := overlapFilter(booking.NewSpan(t0, 0))
	and := got["$and"].(bson.A)
	assert.Equal(t, bson.M{"scheduled_time": bson.M{"$lte": t0}}, and[0])
}

func TestFilterDoc(t *testing.T) {
	assert.Equal(t, bson.M{}, filterDoc(booking.Filter{}))

	from := t0
	got := filterDoc(booking.Filter{
		ParticipantID: "u1",
		Statuses:      []booking.Status{booking.StatusPending},
		ActiveOnly:    true,
		From:          &from,
	})
	want := bson.M{"$and": bson.A{
		bson.M{"$or": bson.A{bson.M{"user_id": "u1"}, bson.M{"consultant_id": "u1"}}},
		bson.M{"status": bson.M{"$in": bson.A{"pending"}}},
		bson.M{"active": true},
		bson.M{"scheduled_time": bson.M{"$gte": t0}},
	}}
	assert.Equal(t, want, got)
}

func TestDocRoundTripKeepsBookingFields(t *testing.T) {
	b := &booking.Booking{
		ID:            "b1",
		UserID:        "u1",
		ConsultantID:  "c1",
		ServiceType:   booking.ServiceBereavement,
		ScheduledTime: t0,
		Duration:      45 * time.Minute,
		Status:        booking.StatusCancelled,
		CreatedAt:     t0.Add(-time.Hour),
		UpdatedAt:     t0.Add(-time.Minute),
	}
	doc := toDoc(b)
	assert.False(t, doc.Active)
	assert.Equal(t, t0.Add(45*time.Minute), doc.EndsAt)
	assert.Equal(t, int64(2700), doc.DurationSeconds)

	back := doc.toBooking()
	assert.Equal(t, b.Duration, back.Duration)
	assert.Equal(t, b.Status, back.Status)
	assert.Equal(t, b.ConsultantID, back.ConsultantID)
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, "x"))

	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}
	assert.True(t, errors.Is(translate(dup, "insert"), booking.ErrConflict))

	assert.Same(t, booking.ErrStatusChanged, translate(booking.ErrStatusChanged, "update"))
	assert.True(t, errors.Is(translate(errors.New("socket closed"), "insert"), booking.ErrTransient))
}

func TestMatchConsultantsNormalizesTags(t *testing.T) {
	docs := []userDoc{
		{ID: "c1", Role: "consultant", Specializations: []string{"General Wellbeing"}},
		{ID: "c2", Role: "consultant", Specializations: []string{"bereavement"}},
	}
	got := matchConsultants(docs, []string{"general_wellbeing"})
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, directory.RoleConsultant, got[0].Role)

	assert.Len(t, matchConsultants(docs, nil), 2)
}

func TestUserDocReadsEarlierLayout(t *testing.T) {
	oid := primitive.NewObjectID()
	unavailable := false
	raw, err := bson.Marshal(bson.M{
		"_id":            oid,
		"email":          "ada@example.com",
		"first_name":     "Ada",
		"role":           "consultant",
		"specialization": "Bereavement",
	})
	require.NoError(t, err)

	var doc userDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	u := doc.toUser()
	assert.Equal(t, oid.Hex(), u.ID)
	assert.Equal(t, []string{"Bereavement"}, u.Specializations)
	assert.True(t, u.Available)

	got := matchConsultants([]userDoc{doc}, []string{"bereavement"})
	require.Len(t, got, 1)
	assert.Equal(t, oid.Hex(), got[0].ID)

	doc.Available = &unavailable
	assert.False(t, doc.toUser().Available)
}

func TestIDFilterAcceptsObjectIDs(t *testing.T) {
	oid := primitive.NewObjectID()
	f := idFilter(oid.Hex())
	in := f["_id"].(bson.M)["$in"].(bson.A)
	assert.Equal(t, bson.A{oid.Hex(), oid}, in)

	assert.Equal(t, bson.M{"_id": "user-1"}, idFilter("user-1"))
}
