package stream

import "time"

const (
	// DefaultBaseDelay is the reconnect delay after the first drop.
	DefaultBaseDelay = 5 * time.Second
	// DefaultMaxDelay caps the exponential reconnect backoff.
	DefaultMaxDelay = 30 * time.Second
	// maxShift bounds the exponent so the doubling cannot overflow a
	// time.Duration before the cap applies.
	maxShift = 32
)

// ReconnectDelay returns the backoff delay before reconnect attempt n
// (1-based): min(base * 2^(n-1), max).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := base << uint(shift)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
