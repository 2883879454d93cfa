package crawler

import (
	"math"
	"time"
)

// Backoff schedules failed queue items. Delays double per attempt from Base
// and are capped at Max, so a later failure never lands earlier than the one
// before it.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the 30m..6h policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 30 * time.Minute,
		Max:  6 * time.Hour,
	}
}

// Delay returns the wait before attempt number attempts may run again.
func (b Backoff) Delay(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 30 * time.Minute
	}
	maxDelay := b.Max
	if maxDelay < base {
		maxDelay = base
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempts-1))
	if delay > float64(maxDelay) || math.IsInf(delay, 0) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Next returns the next eligible fetch time after a failure at now.
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}

// Schedule holds the queue timing policy shared by every queue backend.
type Schedule struct {
	// InflightWindow is how far a claim pushes next_fetch_at so no other caller re-claims it.
	InflightWindow  time.Duration
	SuccessInterval time.Duration
	Backoff         Backoff
}

// DefaultSchedule returns the standard queue timings.
func DefaultSchedule() Schedule {
	return Schedule{
		InflightWindow:  5 * time.Minute,
		SuccessInterval: 12 * time.Hour,
		Backoff:         DefaultBackoff(),
	}
}

// WithDefaults fills unset fields from DefaultSchedule.
func (s Schedule) WithDefaults() Schedule {
	def := DefaultSchedule()
	if s.InflightWindow <= 0 {
		s.InflightWindow = def.InflightWindow
	}
	if s.SuccessInterval <= 0 {
		s.SuccessInterval = def.SuccessInterval
	}
	if s.Backoff.Base <= 0 {
		s.Backoff.Base = def.Backoff.Base
	}
	if s.Backoff.Max <= 0 {
		s.Backoff.Max = def.Backoff.Max
	}
	return s
}
