package directory

import (
	"context"
	"errors"

	"github.com/swiftcare/booking-engine/pkg/circuitbreaker"
)

// Guarded routes directory lookups through a circuit breaker. Unknown
// users do not count as failures.
type Guarded struct {
	inner   Directory
	breaker *circuitbreaker.CircuitBreaker
}

// BreakerConfig returns the breaker settings Guarded expects.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("user-directory")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrUserNotFound)
	}
	return cfg
}

// NewGuarded wraps inner.
func NewGuarded(inner Directory, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// FindConsultantsBySpecialization implements Directory.
func (g *Guarded) FindConsultantsBySpecialization(ctx context.Context, tags []string) ([]ConsultantView, error) {
	var out []ConsultantView
	err := g.breaker.Do(ctx, func() error {
		var err error
		out, err = g.inner.FindConsultantsBySpecialization(ctx, tags)
		return err
	})
	return out, err
}

// GetUser implements Directory.
func (g *Guarded) GetUser(ctx context.Context, id string) (*User, error) {
	var u *User
	err := g.breaker.Do(ctx, func() error {
		var err error
		u, err = g.inner.GetUser(ctx, id)
		return err
	})
	return u, err
}
