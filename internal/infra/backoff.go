package infra

import (
	"math/rand/v2"
	"time"
)

// ExpBackoff returns base * 2^attempt capped at ceiling.
// A negative attempt returns base.
func ExpBackoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 * base is already past any sane cap; avoid shift overflow.
	if attempt > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// FullJitter returns a random duration in [0, ExpBackoff(attempt)].
// Spreads out retries from many callers hitting the same venue.
func FullJitter(attempt int, base, ceiling time.Duration) time.Duration {
	d := ExpBackoff(attempt, base, ceiling)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
