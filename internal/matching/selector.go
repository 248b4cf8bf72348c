package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

const defaultParallelism = 8

// Request describes the slot a consultant is wanted for.
type Request struct {
	ServiceType booking.ServiceType
	Span        booking.Span
	// ConsultantID, when set, bypasses auto-assignment.
	ConsultantID string
	// Exclude holds consultants already tried by the caller.
	Exclude map[string]struct{}
	// Now anchors load counting.
	Now time.Time
}

// Selector chooses a consultant for a request
type Selector struct {
	dir         directory.Directory
	avail       *AvailabilityIndex
	services    ServiceMap
	strategy    Strategy
	parallelism int
	logger      *zap.Logger
}

// NewSelector creates a selector. A nil strategy selects at random.
func NewSelector(dir directory.Directory, avail *AvailabilityIndex, services ServiceMap, strategy Strategy, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == nil {
		strategy = NewRandomStrategy(nil)
	}
	if services == nil {
		services = DefaultServiceMap()
	}
	return &Selector{
		dir:         dir,
		avail:       avail,
		services:    services,
		strategy:    strategy,
		parallelism: defaultParallelism,
		logger:      logger,
	}
}

// Select returns the consultant for req. An explicit consultant is only
// checked for eligibility; its calendar is left to the store's conditional
// insert.
func (s *Selector) Select(ctx context.Context, req Request) (directory.ConsultantView, error) {
	if req.ConsultantID != "" {
		return s.ValidateConsultant(ctx, req.ServiceType, req.ConsultantID)
	}

	candidates, err := s.Eligible(ctx, req, needsLoad(s.strategy))
	if err != nil {
		return directory.ConsultantView{}, err
	}
	if len(candidates) == 0 {
		return directory.ConsultantView{}, booking.Errorf(booking.KindNoEligibleConsultant,
			"no eligible consultant for %s at %s", req.ServiceType, req.Span.Start.Format(time.RFC3339))
	}

	chosen := s.strategy.Pick(candidates)
	s.logger.Debug("consultant selected",
		zap.String("consultant_id", chosen.ID),
		zap.String("strategy", s.strategy.Name()),
		zap.Int("candidates", len(candidates)))
	return chosen, nil
}

// ValidateConsultant checks that id names a consultant who offers t.
func (s *Selector) ValidateConsultant(ctx context.Context, t booking.ServiceType, id string) (directory.ConsultantView, error) {
	u, err := s.dir.GetUser(ctx, id)
	if errors.Is(err, directory.ErrUserNotFound) {
		return directory.ConsultantView{}, booking.Errorf(booking.KindInvalidConsultant, "consultant %s does not exist", id)
	}
	if err != nil {
		return directory.ConsultantView{}, booking.Wrap(booking.KindTransient, err, "user directory unavailable")
	}
	if u.Role != directory.RoleConsultant {
		return directory.ConsultantView{}, booking.Errorf(booking.KindInvalidConsultant, "user %s is not a consultant", id)
	}
	if !s.services.Accepts(t, u.Specializations) {
		return directory.ConsultantView{}, booking.Errorf(booking.KindInvalidConsultant, "consultant %s does not offer %s", id, t)
	}
	return u.View(), nil
}

// Eligible returns every consultant who could take req right now, in
// directory order. Loads are filled when withLoad is set.
func (s *Selector) Eligible(ctx context.Context, req Request, withLoad bool) ([]directory.ConsultantView, error) {
	tags, restricted := s.services.AcceptedTags(req.ServiceType)
	if !restricted {
		tags = nil
	}
	pool, err := s.dir.FindConsultantsBySpecialization(ctx, tags)
	if err != nil {
		return nil, booking.Wrap(booking.KindTransient, err, "user directory unavailable")
	}

	seen := make(map[string]struct{}, len(pool))
	candidates := make([]directory.ConsultantView, 0, len(pool))
	for _, c := range pool {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if _, skip := req.Exclude[c.ID]; skip {
			continue
		}
		if c.Role != directory.RoleConsultant || !c.Available {
			continue
		}
		if !s.services.Accepts(req.ServiceType, c.Specializations) {
			continue
		}
		candidates = append(candidates, c)
	}

	free := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := range candidates {
		g.Go(func() error {
			busy, err := s.avail.HasConflict(gctx, candidates[i].ID, req.Span)
			if err != nil {
				return err
			}
			free[i] = !busy
			if withLoad && !busy {
				load, err := s.avail.Load(gctx, candidates[i].ID, req.Now)
				if err != nil {
					return err
				}
				candidates[i].Load = load
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, booking.Classify(err, "check consultant availability")
	}

	out := make([]directory.ConsultantView, 0, len(candidates))
	for i, c := range candidates {
		if free[i] {
			out = append(out, c)
		}
	}
	return out, nil
}
