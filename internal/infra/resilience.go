package infra

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"exec_core/internal/domain"
)

// OpClass groups venue operations that share a circuit breaker.
type OpClass string

const (
	ClassTrade   OpClass = "trade"
	ClassAccount OpClass = "account"
	ClassMarket  OpClass = "market"
)

// BreakerSpec configures the breakers of one venue.
type BreakerSpec struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// VenuePolicy is the resilience configuration of one venue.
type VenuePolicy struct {
	Retry       RetryPolicy   `yaml:"retry"`
	Breaker     BreakerSpec   `yaml:"breaker"`
	Limit       LimitSpec     `yaml:"rate_limit"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultVenuePolicy returns sensible defaults.
func DefaultVenuePolicy() VenuePolicy {
	d := DefaultCircuitBreakerConfig("")
	return VenuePolicy{
		Retry:       DefaultRetryPolicy(),
		Breaker:     BreakerSpec{FailureThreshold: d.FailureThreshold, Window: d.Window, CoolDown: d.Timeout},
		Limit:       DefaultLimitSpec(),
		CallTimeout: 10 * time.Second,
	}
}

// Guard wraps venue calls with rate limiting, circuit breaking, per-call
// deadlines and retries. It knows nothing about orders or positions, only
// about call outcomes, so trading and market-data paths share it.
type Guard struct {
	policies map[string]VenuePolicy
	breakers *BreakerSet
	limiters *LimiterSet
	metrics  *Metrics
}

// NewGuard creates a guard. onChange observes every breaker transition.
func NewGuard(policies map[string]VenuePolicy, metrics *Metrics, onChange StateChangeFunc) *Guard {
	if policies == nil {
		policies = map[string]VenuePolicy{}
	}
	g := &Guard{policies: policies, metrics: metrics}

	specs := make(map[string]LimitSpec, len(policies))
	for v, p := range policies {
		specs[v] = p.Limit
	}
	g.limiters = NewLimiterSet(specs)
	g.breakers = NewBreakerSet(func(key string) CircuitBreakerConfig {
		venue, _ := splitKey(key)
		spec := g.policy(venue).Breaker
		return CircuitBreakerConfig{
			FailureThreshold: spec.FailureThreshold,
			Window:           spec.Window,
			Timeout:          spec.CoolDown,
			OnStateChange: func(name string, from, to State) {
				v, c := splitKey(name)
				metrics.SetBreakerState(v, c, to)
				if onChange != nil {
					onChange(name, from, to)
				}
			},
		}
	})
	return g
}

func (g *Guard) policy(venue string) VenuePolicy {
	if p, ok := g.policies[venue]; ok {
		return p
	}
	return DefaultVenuePolicy()
}

// BreakerKey builds the per (venue, class) breaker name.
func BreakerKey(venue string, class OpClass) string {
	return venue + "/" + string(class)
}

func splitKey(key string) (string, OpClass) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], OpClass(key[i+1:])
		}
	}
	return key, ""
}

// Breaker returns the breaker guarding (venue, class).
func (g *Guard) Breaker(venue string, class OpClass) *CircuitBreaker {
	return g.breakers.Get(BreakerKey(venue, class))
}

// IsOpen reports whether (venue, class) is currently rejecting calls.
func (g *Guard) IsOpen(venue string, class OpClass) bool {
	return g.Breaker(venue, class).IsOpen()
}

// BreakerStates exposes all breaker states for monitoring.
func (g *Guard) BreakerStates() map[string]State {
	return g.breakers.States()
}

// Do runs fn under the venue's resilience policy.
// Rejected and Fatal errors propagate unchanged on the first occurrence.
func (g *Guard) Do(ctx context.Context, venue string, class OpClass, op string, fn func(ctx context.Context) error) error {
	_, err := g.Run(ctx, venue, class, op, fn)
	return err
}

// Run is Do that also reports how many attempts were made.
func (g *Guard) Run(ctx context.Context, venue string, class OpClass, op string, fn func(ctx context.Context) error) (int, error) {
	p := g.policy(venue)
	cb := g.Breaker(venue, class)
	lim := g.limiters.Get(venue)

	attempts, err := Retry(ctx, p.Retry, func(attempt int, err error) {
		g.metrics.IncRetry(venue, op)
		slog.Debug("retrying venue call",
			slog.String("venue", venue),
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}, func(ctx context.Context) error {
		return g.attempt(ctx, p, cb, lim, venue, class, op, fn)
	})

	if err != nil && domain.KindOf(err) == domain.KindTransient && attempts > 1 {
		slog.Warn("venue call failed after retries",
			slog.String("venue", venue),
			slog.String("op", op),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
	}
	return attempts, err
}

func (g *Guard) attempt(ctx context.Context, p VenuePolicy, cb *CircuitBreaker, lim *RateLimiter,
	venue string, class OpClass, op string, fn func(ctx context.Context) error) error {

	if !cb.Allow() {
		g.metrics.ObserveCall(venue, class, "circuit_open", 0)
		return domain.NewCallError(domain.KindCircuitOpen, venue, op, "breaker "+cb.Name()+" open", nil)
	}

	if err := lim.Wait(ctx); err != nil {
		cb.Release()
		g.metrics.IncRateLimited(venue)
		return err
	}

	callCtx := ctx
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		cb.RecordSuccess()
		g.metrics.ObserveCall(venue, class, "ok", elapsed)
		return nil

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Caller went away; the venue's health is unknown.
		cb.Release()
		g.metrics.ObserveCall(venue, class, "cancelled", elapsed)
		return ctx.Err()

	case errors.Is(err, context.DeadlineExceeded) && domain.KindOf(err) != domain.KindTransient:
		err = domain.Transient(venue, op, err)
	}

	kind := domain.KindOf(err)
	if kind == domain.KindTransient {
		cb.RecordFailure()
	} else {
		// The venue answered; a business error is not an outage.
		cb.RecordSuccess()
	}
	g.metrics.ObserveCall(venue, class, kind.String(), elapsed)
	return err
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, g *Guard, venue string, class OpClass, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, venue, class, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
