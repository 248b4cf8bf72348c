// Package matching selects the consultant who serves a booking request.
package matching

import (
	"fmt"

	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// ServiceMap lists, per service type, the specialization tags a consultant
// needs to serve it. A service type without an entry accepts any
// consultant.
type ServiceMap map[booking.ServiceType][]string

// DefaultServiceMap is the built-in category table.
func DefaultServiceMap() ServiceMap {
	return ServiceMap{
		booking.ServiceBereavement: {"bereavement"},
		booking.ServiceWellness:    {"wellness", "general-wellbeing", "bereavement"},
	}
}

// NewServiceMap builds a map from configuration, normalizing tags and
// rejecting unknown service types.
func NewServiceMap(raw map[string][]string) (ServiceMap, error) {
	m := make(ServiceMap, len(raw))
	for key, tags := range raw {
		t, err := booking.ParseServiceType(key)
		if err != nil {
			return nil, fmt.Errorf("service map: %w", err)
		}
		normalized := directory.NormalizeTags(tags)
		if len(normalized) == 0 {
			return nil, fmt.Errorf("service map: %s lists no tags", key)
		}
		m[t] = normalized
	}
	return m, nil
}

// AcceptedTags returns the tags for t and whether t is restricted at all.
func (m ServiceMap) AcceptedTags(t booking.ServiceType) ([]string, bool) {
	tags, ok := m[t]
	return tags, ok
}

// Accepts reports whether a consultant holding specializations may serve t.
func (m ServiceMap) Accepts(t booking.ServiceType, specializations []string) bool {
	tags, restricted := m[t]
	if !restricted {
		return true
	}
	return directory.HasAnyTag(specializations, tags)
}
