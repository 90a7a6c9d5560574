package skillrt

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay computes the delay before the next skill retry attempt:
// base * 2^(retries-1) with up to 10% jitter, capped at maxDelay. Grounded
// on the teacher's dispatch retry backoff, reused here for skill retries.
func BackoffDelay(retries int, base, maxDelay time.Duration) time.Duration {
	if retries <= 0 {
		return 0
	}
	exponent := retries - 1
	multiplier := math.Pow(2, float64(exponent))

	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		return maxDelay
	}

	delay := base * time.Duration(multiplier)
	delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// ShouldRetry reports whether enough time has elapsed since lastAttempt
// given the backoff schedule.
func ShouldRetry(lastAttempt time.Time, retries int, base, maxDelay time.Duration) bool {
	return time.Since(lastAttempt) >= BackoffDelay(retries, base, maxDelay)
}
