package booking

import "time"

// Span is the time a booking occupies on its consultant's calendar.
// A zero-length span is a single instant.
type Span struct {
	Start time.Time
	End   time.Time
}

// NewSpan returns the span starting at start and lasting d.
func NewSpan(start time.Time, d time.Duration) Span {
	if d < 0 {
		d = 0
	}
	return Span{Start: start, End: start.Add(d)}
}

// Instant reports whether the span has no duration.
func (s Span) Instant() bool { return !s.End.After(s.Start) }

// Overlaps reports whether two spans collide. Intervals are half-open
// [start, end); instants are single closed points, so two instants collide
// only when equal and an instant collides with an interval containing it.
func (s Span) Overlaps(o Span) bool {
	return s.startsBeforeEndOf(o) && o.startsBeforeEndOf(s)
}

func (s Span) startsBeforeEndOf(o Span) bool {
	if o.Instant() {
		return !s.Start.After(o.Start)
	}
	return s.Start.Before(o.End)
}
