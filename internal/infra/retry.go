package infra

import (
	"context"
	"time"

	"exec_core/internal/domain"
)

// RetryPolicy bounds automatic retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxElapsed:  20 * time.Second,
	}
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// policy is exhausted. Sleeps use full jitter and honour ctx.
// onRetry, if set, is called before each sleep.
// Returns the number of attempts made.
func Retry(ctx context.Context, p RetryPolicy, onRetry func(attempt int, err error), fn func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	start := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.IsRetryable(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}

		delay := FullJitter(attempt-1, p.BaseDelay, p.MaxDelay)
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
