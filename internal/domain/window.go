package domain

import "time"

// TimeWindow is a half-open delivery interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeWindow builds a window from start and duration.
func NewTimeWindow(start time.Time, d time.Duration) TimeWindow {
	return TimeWindow{Start: start, End: start.Add(d)}
}

// Valid reports whether End is strictly after Start.
func (w TimeWindow) Valid() bool {
	return w.End.After(w.Start)
}

// Duration returns End-Start, never negative.
func (w TimeWindow) Duration() time.Duration {
	if !w.Valid() {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlap returns the length of the intersection with other.
func (w TimeWindow) Overlap(other TimeWindow) time.Duration {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Overlaps reports whether the two windows intersect at all.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return w.Overlap(other) > 0
}

// EndedBefore reports whether the whole window lies strictly before t.
func (w TimeWindow) EndedBefore(t time.Time) bool {
	return w.End.Before(t)
}
