package stream

import "time"

// TimeProvider abstracts timer creation so tests can observe and control the
// reconnect schedule.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer creates a timer that fires after the given duration.
	NewTimer(d time.Duration) *time.Timer
}

// RealTimeProvider implements TimeProvider using the standard library.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// NewTimer creates a timer using the standard library.
func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }
