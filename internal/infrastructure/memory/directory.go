package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/swiftcare/booking-engine/internal/directory"
)

// Directory is an in-memory user directory
type Directory struct {
	mu    sync.RWMutex
	users map[string]directory.User
}

// NewDirectory creates a directory seeded with users.
func NewDirectory(users ...directory.User) *Directory {
	d := &Directory{users: make(map[string]directory.User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *Directory) Put(u directory.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Specializations = append([]string(nil), u.Specializations...)
	d.users[u.ID] = u
}

// GetUser implements directory.Directory.
func (d *Directory) GetUser(ctx context.Context, id string) (*directory.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	u.Specializations = append([]string(nil), u.Specializations...)
	return &u, nil
}

// FindConsultantsBySpecialization implements directory.Directory. Results
// are ordered by id.
func (d *Directory) FindConsultantsBySpecialization(ctx context.Context, tags []string) ([]directory.ConsultantView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]directory.ConsultantView, 0)
	for _, u := range d.users {
		if u.Role != directory.RoleConsultant || !u.Available {
			continue
		}
		if !directory.HasAnyTag(u.Specializations, tags) {
			continue
		}
		out = append(out, u.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
