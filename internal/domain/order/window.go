package order

import "time"

// DefaultGracePeriod is used when a placement does not specify one.
const DefaultGracePeriod = 5 * time.Minute

// Window is the period after placement during which a customer may cancel.
// It is always derived from PlacedAt and GracePeriod; no countdown is stored.
type Window struct {
	PlacedAt    time.Time
	GracePeriod time.Duration
}

// Deadline is the last instant at which cancellation is honoured.
func (w Window) Deadline() time.Time {
	return w.PlacedAt.Add(w.GracePeriod)
}

// Remaining returns the time left before the deadline, never negative.
func (w Window) Remaining(now time.Time) time.Duration {
	if d := w.Deadline().Sub(now); d > 0 {
		return d
	}
	return 0
}

// Open reports whether now is at or before the deadline.
func (w Window) Open(now time.Time) bool {
	return !now.After(w.Deadline())
}
