package infra

import (
	"context"
	"fmt"
	"sync"

	"exec_core/internal/domain"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-venue token bucket with a bounded wait queue.
// Callers beyond the queue capacity, or whose deadline cannot be met, get
// RateLimited instead of waiting forever.
// Thread-safe and suitable for concurrent API calls.
type RateLimiter struct {
	venue string
	lim   *rate.Limiter
	queue chan struct{}
}

// NewRateLimiter creates a new rate limiter.
// perSecond: refill rate (requests per second)
// burst: maximum burst size
// queueSize: maximum number of callers waiting for a token
func NewRateLimiter(venue string, perSecond float64, burst, queueSize int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &RateLimiter{
		venue: venue,
		lim:   rate.NewLimiter(rate.Limit(perSecond), burst),
		queue: make(chan struct{}, queueSize),
	}
}

// Wait blocks until a token is available, the queue is full, or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	select {
	case r.queue <- struct{}{}:
	default:
		return domain.NewCallError(domain.KindRateLimited, r.venue, "rate_limit", "wait queue full", nil)
	}
	defer func() { <-r.queue }()

	if err := r.lim.Wait(ctx); err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return ctx.Err()
		}
		return domain.NewCallError(domain.KindRateLimited, r.venue, "rate_limit",
			"token not available before deadline", err)
	}
	return nil
}

// TryAcquire attempts to acquire a token without blocking.
// Returns true if a token was acquired, false otherwise.
func (r *RateLimiter) TryAcquire() bool {
	return r.lim.Allow()
}

// Waiting returns the number of queued callers.
func (r *RateLimiter) Waiting() int {
	return len(r.queue)
}

// LimitSpec configures one venue's bucket.
type LimitSpec struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
	QueueSize int     `yaml:"queue_size"`
}

// DefaultLimitSpec is conservative enough to avoid IP bans on most venues.
func DefaultLimitSpec() LimitSpec {
	return LimitSpec{PerSecond: 10, Burst: 5, QueueSize: 64}
}

// LimiterSet holds one limiter per venue, shared by trading and market data
// so data-path congestion throttles trading on the same venue.
type LimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	specs    map[string]LimitSpec
}

// NewLimiterSet creates a set from per-venue specs.
func NewLimiterSet(specs map[string]LimitSpec) *LimiterSet {
	return &LimiterSet{limiters: make(map[string]*RateLimiter), specs: specs}
}

// Get returns the limiter for venue, creating it on first use.
func (s *LimiterSet) Get(venue string) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[venue]; ok {
		return l
	}
	spec, ok := s.specs[venue]
	if !ok || spec.PerSecond <= 0 {
		spec = DefaultLimitSpec()
	}
	l := NewRateLimiter(venue, spec.PerSecond, spec.Burst, spec.QueueSize)
	s.limiters[venue] = l
	return l
}

func (s LimitSpec) String() string {
	return fmt.Sprintf("%.1f/s burst=%d queue=%d", s.PerSecond, s.Burst, s.QueueSize)
}
