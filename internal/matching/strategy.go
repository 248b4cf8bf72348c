package matching

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/swiftcare/booking-engine/internal/directory"
)

// Strategy picks one consultant from a non-empty candidate list.
type Strategy interface {
	Name() string
	Pick(candidates []directory.ConsultantView) directory.ConsultantView
}

// LoadAware is implemented by strategies that need ConsultantView.Load.
type LoadAware interface {
	NeedsLoad() bool
}

// Strategy names accepted by configuration.
const (
	StrategyRandom      = "random"
	StrategyLeastLoaded = "least-loaded"
)

// StrategyByName resolves a configured strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyRandom:
		return NewRandomStrategy(nil), nil
	case StrategyLeastLoaded:
		return NewLeastLoadedStrategy(nil), nil
	default:
		return nil, fmt.Errorf("unknown assignment strategy %q", name)
	}
}

// RandomStrategy picks uniformly at random.
type RandomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomStrategy uses src, or a time-seeded source when src is nil.
func NewRandomStrategy(src rand.Source) *RandomStrategy {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1|1)
	}
	return &RandomStrategy{rng: rand.New(src)}
}

// Name implements Strategy.
func (s *RandomStrategy) Name() string { return StrategyRandom }

// Pick implements Strategy.
func (s *RandomStrategy) Pick(candidates []directory.ConsultantView) directory.ConsultantView {
	s.mu.Lock()
	i := s.rng.IntN(len(candidates))
	s.mu.Unlock()
	return candidates[i]
}

// LeastLoadedStrategy picks the consultant with the fewest upcoming
// bookings, breaking ties at random.
type LeastLoadedStrategy struct {
	tie *RandomStrategy
}

// NewLeastLoadedStrategy uses src for tie breaking.
func NewLeastLoadedStrategy(src rand.Source) *LeastLoadedStrategy {
	return &LeastLoadedStrategy{tie: NewRandomStrategy(src)}
}

// Name implements Strategy.
func (s *LeastLoadedStrategy) Name() string { return StrategyLeastLoaded }

// NeedsLoad implements LoadAware.
func (s *LeastLoadedStrategy) NeedsLoad() bool { return true }

// Pick implements Strategy.
func (s *LeastLoadedStrategy) Pick(candidates []directory.ConsultantView) directory.ConsultantView {
	minLoad := candidates[0].Load
	for _, c := range candidates[1:] {
		if c.Load < minLoad {
			minLoad = c.Load
		}
	}
	lightest := make([]directory.ConsultantView, 0, len(candidates))
	for _, c := range candidates {
		if c.Load == minLoad {
			lightest = append(lightest, c)
		}
	}
	return s.tie.Pick(lightest)
}

func needsLoad(s Strategy) bool {
	la, ok := s.(LoadAware)
	return ok && la.NeedsLoad()
}
