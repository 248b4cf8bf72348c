package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftcare/booking-engine/internal/directory"
)

// Directory reads users from the users table.
type Directory struct {
	db DB
}

// NewDirectory creates a directory over pool
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return newDirectoryWithDB(pool)
}

func newDirectoryWithDB(db DB) *Directory {
	return &Directory{db: db}
}

// GetUser implements directory.Directory.
func (d *Directory) GetUser(ctx context.Context, id string) (*directory.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, directory.ErrUserNotFound
	}

	query := `
		SELECT id::text, email, first_name, last_name, role, specializations, is_available
		FROM users
		WHERE id = $1
	`
	var (
		u    directory.User
		role string
	)
	err := d.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &role, &u.Specializations, &u.Available,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, directory.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.Role = directory.Role(role)
	return &u, nil
}

// FindConsultantsBySpecialization implements directory.Directory. Tags are
// compared after the same normalization directory.NormalizeTag applies.
func (d *Directory) FindConsultantsBySpecialization(ctx context.Context, tags []string) ([]directory.ConsultantView, error) {
	normalized := directory.NormalizeTags(tags)

	query := `
		SELECT id::text, role, specializations, is_available
		FROM users
		WHERE role = 'consultant'
		  AND is_available
		  AND (cardinality($1::text[]) = 0 OR EXISTS (
		        SELECT 1 FROM unnest(specializations) AS s(tag)
		        WHERE translate(lower(btrim(s.tag)), ' _', '--') = ANY($1::text[])))
		ORDER BY id
	`
	rows, err := d.db.Query(ctx, query, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query consultants: %w", err)
	}
	defer rows.Close()

	out := make([]directory.ConsultantView, 0)
	for rows.Next() {
		var (
			v    directory.ConsultantView
			role string
			tags []string
		)
		if err := rows.Scan(&v.ID, &role, &tags, &v.Available); err != nil {
			return nil, fmt.Errorf("failed to scan consultant: %w", err)
		}
		v.Role = directory.Role(role)
		v.Specializations = directory.NormalizeTags(tags)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query consultants: %w", err)
	}
	return out, nil
}
