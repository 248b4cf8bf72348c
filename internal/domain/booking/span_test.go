package booking

import (
	"testing"
	"time"
)

func TestSpanOverlaps(t *testing.T) {
	at := func(m int) time.Time { return now.Add(time.Duration(m) * time.Minute) }
	span := func(start, mins int) Span { return NewSpan(at(start), time.Duration(mins)*time.Minute) }

	tests := []struct {
		name string
		a, b Span
		want bool
	}{
		{"equal instants", span(0, 0), span(0, 0), true},
		{"distinct instants", span(0, 0), span(1, 0), false},
		{"instant inside interval", span(30, 0), span(0, 60), true},
		{"instant at interval start", span(0, 0), span(0, 60), true},
		{"instant at interval end", span(60, 0), span(0, 60), false},
		{"adjacent intervals", span(0, 60), span(60, 60), false},
		{"overlapping intervals", span(0, 60), span(59, 60), true},
		{"nested intervals", span(0, 120), span(30, 10), true},
		{"disjoint intervals", span(0, 30), span(90, 30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("a.Overlaps(b) = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("b.Overlaps(a) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	b := newPending(t)
	window := NewSpan(b.ScheduledTime.Add(30*time.Minute), 0)

	if !(Filter{ConsultantID: "consultant-1", ActiveOnly: true, Overlapping: &window}).Matches(b) {
		t.Error("expected active overlapping booking to match")
	}
	if (Filter{ParticipantID: "someone-else"}).Matches(b) {
		t.Error("foreign participant matched")
	}
	if !(Filter{ParticipantID: "consultant-1"}).Matches(b) {
		t.Error("consultant participant did not match")
	}

	cancelled := StatusCancelled
	if err := b.Apply(Patch{Status: &cancelled}, now); err != nil {
		t.Fatal(err)
	}
	if (Filter{ActiveOnly: true}).Matches(b) {
		t.Error("cancelled booking matched active filter")
	}
}

func TestFilterNormalize(t *testing.T) {
	if got := (Filter{}).Normalize().Limit; got != DefaultLimit {
		t.Errorf("default limit = %d", got)
	}
	if got := (Filter{Limit: 10_000}).Normalize().Limit; got != MaxLimit {
		t.Errorf("clamped limit = %d", got)
	}
}
