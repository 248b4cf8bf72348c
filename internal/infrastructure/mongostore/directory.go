package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/swiftcare/booking-engine/internal/directory"
)

// userDoc reads both user layouts found in the users collection: documents
// written by the earlier service carry an ObjectId _id and a single
// specialization string, newer ones a string _id and a specializations
// array. A missing is_available means available.
type userDoc struct {
	ID              any      `bson:"_id"`
	Email           string   `bson:"email"`
	FirstName       string   `bson:"first_name"`
	LastName        string   `bson:"last_name"`
	Role            string   `bson:"role"`
	Specialization  string   `bson:"specialization,omitempty"`
	Specializations []string `bson:"specializations,omitempty"`
	Available       *bool    `bson:"is_available,omitempty"`
}

func (d userDoc) toUser() *directory.User {
	tags := d.Specializations
	if d.Specialization != "" {
		tags = append([]string{d.Specialization}, tags...)
	}
	return &directory.User{
		ID:              docID(d.ID),
		Email:           d.Email,
		FirstName:       d.FirstName,
		LastName:        d.LastName,
		Role:            directory.Role(d.Role),
		Specializations: tags,
		Available:       d.Available == nil || *d.Available,
	}
}

func docID(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// idFilter matches id stored either as a string or, when it is a valid
// hex ObjectId, as an ObjectId.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{id, oid}}}
	}
	return bson.M{"_id": id}
}

// Directory reads users from the users collection.
type Directory struct {
	users *mongo.Collection
}

// NewDirectory creates a directory in db
func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{users: db.Collection("users")}
}

// EnsureIndexes creates the role lookup index.
func (d *Directory) EnsureIndexes(ctx context.Context) error {
	_, err := d.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "role", Value: 1}, {Key: "is_available", Value: 1}},
		Options: options.Index().SetName("role_available_idx"),
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

// GetUser implements directory.Directory.
func (d *Directory) GetUser(ctx context.Context, id string) (*directory.User, error) {
	var doc userDoc
	err := d.users.FindOne(ctx, idFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, directory.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return doc.toUser(), nil
}

// FindConsultantsBySpecialization implements directory.Directory. Stored
// tags are free text, so matching happens after normalization in Go.
func (d *Directory) FindConsultantsBySpecialization(ctx context.Context, tags []string) ([]directory.ConsultantView, error) {
	filter := bson.M{"role": string(directory.RoleConsultant), "is_available": bson.M{"$ne": false}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := d.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query consultants: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode consultants: %w", err)
	}
	return matchConsultants(docs, tags), nil
}

func matchConsultants(docs []userDoc, tags []string) []directory.ConsultantView {
	out := make([]directory.ConsultantView, 0, len(docs))
	for _, doc := range docs {
		u := doc.toUser()
		if !directory.HasAnyTag(u.Specializations, tags) {
			continue
		}
		out = append(out, u.View())
	}
	return out
}
