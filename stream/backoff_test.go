package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelaySchedule(t *testing.T) {
	// Consecutive failures 1..5 follow min(5000 * 2^(n-1), 30000).
	want := []time.Duration{
		5000 * time.Millisecond,
		10000 * time.Millisecond,
		20000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	for n, expected := range want {
		got := ReconnectDelay(n+1, DefaultBaseDelay, DefaultMaxDelay)
		assert.Equal(t, expected, got, "attempt %d", n+1)
	}
}

func TestReconnectDelayEdgeCases(t *testing.T) {
	t.Run("attempt below one clamps to base", func(t *testing.T) {
		assert.Equal(t, DefaultBaseDelay, ReconnectDelay(0, DefaultBaseDelay, DefaultMaxDelay))
		assert.Equal(t, DefaultBaseDelay, ReconnectDelay(-3, DefaultBaseDelay, DefaultMaxDelay))
	})

	t.Run("huge attempt count stays capped", func(t *testing.T) {
		assert.Equal(t, DefaultMaxDelay, ReconnectDelay(500, DefaultBaseDelay, DefaultMaxDelay))
	})

	t.Run("zero parameters fall back to defaults", func(t *testing.T) {
		assert.Equal(t, DefaultBaseDelay, ReconnectDelay(1, 0, 0))
	})

	t.Run("custom base and cap", func(t *testing.T) {
		assert.Equal(t, 10*time.Millisecond, ReconnectDelay(1, 10*time.Millisecond, 80*time.Millisecond))
		assert.Equal(t, 40*time.Millisecond, ReconnectDelay(3, 10*time.Millisecond, 80*time.Millisecond))
		assert.Equal(t, 80*time.Millisecond, ReconnectDelay(10, 10*time.Millisecond, 80*time.Millisecond))
	})
}
