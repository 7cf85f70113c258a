package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnlimitedAlwaysSucceeds(t *testing.T) {
	tb := New(0, 0)
	ok, _ := tb.TryConsume(1 << 30)
	assert.True(t, ok)
}

func TestBurstThenThrottled(t *testing.T) {
	tb := New(1000, 1000)
	ok, _ := tb.TryConsume(1000)
	assert.True(t, ok)

	ok, retryAfter := tb.TryConsume(500)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRetryAfterTicksRoundsUp(t *testing.T) {
	assert.Equal(t, 0, RetryAfterTicks(0, 100*time.Millisecond))
	assert.Equal(t, 1, RetryAfterTicks(1*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 2, RetryAfterTicks(101*time.Millisecond, 100*time.Millisecond))
}
