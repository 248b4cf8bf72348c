// Package directory is the read-only view of users and consultants that
// the booking engine consults for eligibility and authorization.
package directory

import (
	"context"
	"errors"
	"strings"
)

// Role of a user account
type Role string

const (
	RolePatient    Role = "patient"
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
)

// Elevated reports whether the role may act on any booking.
func (r Role) Elevated() bool { return r == RoleAdmin }

// ErrUserNotFound is returned when no user has the requested id.
var ErrUserNotFound = errors.New("directory: user not found")

// User is a directory entry
type User struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	Role            Role
	Specializations []string
	// Available is false when a consultant opted out of auto-assignment.
	Available bool
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// View returns the consultant projection of u.
func (u *User) View() ConsultantView {
	return ConsultantView{
		ID:              u.ID,
		Role:            u.Role,
		Specializations: NormalizeTags(u.Specializations),
		Available:       u.Available,
	}
}

// ConsultantView is what matching needs to know about a consultant
type ConsultantView struct {
	ID              string   `json:"id"`
	Role            Role     `json:"role"`
	Specializations []string `json:"specializations"`
	Available       bool     `json:"available"`
	// Load is the number of upcoming active bookings, filled only when a
	// strategy asks for it.
	Load int `json:"load"`
}

// Directory looks users up
type Directory interface {
	// FindConsultantsBySpecialization returns available consultants holding
	// at least one of tags. An empty tags list matches every available
	// consultant.
	FindConsultantsBySpecialization(ctx context.Context, tags []string) ([]ConsultantView, error)
	// GetUser returns ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (*User, error)
}

// NormalizeTag lowercases tag and folds spaces and underscores into dashes,
// so "General Wellbeing" and "general_wellbeing" compare equal.
func NormalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(tag)
}

// NormalizeTags normalizes every tag, dropping empties.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := NormalizeTag(t); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// HasAnyTag reports whether specializations contain one of tags. Both sides
// are compared normalized.
func HasAnyTag(specializations, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[NormalizeTag(t)] = struct{}{}
	}
	for _, s := range specializations {
		if _, ok := want[NormalizeTag(s)]; ok {
			return true
		}
	}
	return false
}
