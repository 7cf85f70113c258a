// Package ratelimit provides the byte-rate token bucket used by the
// Uploader (per torrent) and the Engine (global), built on
// golang.org/x/time/rate the same way the teacher client wires
// cfg.DownloadRateLimiter.
package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket gates byte throughput. A rate of 0 means unlimited: TryConsume
// always succeeds without touching the underlying limiter.
type TokenBucket struct {
	unlimited bool
	limiter   *rate.Limiter
	burst     int
}

// New creates a TokenBucket with the given sustained rate (bytes/sec) and
// burst capacity (bytes). rateBps == 0 means unlimited.
func New(rateBps float64, burstBytes int) *TokenBucket {
	if rateBps <= 0 {
		return &TokenBucket{unlimited: true}
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rateBps), burstBytes),
		burst:   burstBytes,
	}
}

// TryConsume attempts to spend n bytes of budget immediately. On success ok
// is true. On failure, retryAfter is the limiter's exact delay until n bytes
// would be available; it is not rounded (RetryAfterTicks rounds it up to
// whole ticks).
func (tb *TokenBucket) TryConsume(n int) (ok bool, retryAfter time.Duration) {
	if tb.unlimited {
		return true, 0
	}
	if n > tb.burst {
		// A request larger than the bucket can ever hold would never succeed;
		// let it through rather than starve forever, matching the spec's
		// "rate 0 means unlimited" escape hatch in spirit: an oversized chunk
		// is a configuration mismatch, not something to wedge on forever.
		n = tb.burst
	}
	r := tb.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay <= 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// RetryAfterTicks rounds a retry-after duration up to whole tick counts,
// used by callers that only get to retry on tick boundaries.
func RetryAfterTicks(d time.Duration, tickInterval time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / float64(tickInterval)))
}
