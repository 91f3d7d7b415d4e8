package infra

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc is invoked (outside the breaker lock) on every transition.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker implements the circuit breaker pattern for fault isolation.
// Only transient failures should be recorded as failures; a venue that answers
// with a business rejection is healthy.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state         State
	failures      []time.Time // consecutive transient failures, oldest first
	openedAt      time.Time
	probeInFlight bool

	// Configuration
	failureThreshold int           // Failures before opening
	window           time.Duration // Failures older than this are forgotten
	timeout          time.Duration // Time before trying half-open
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	Window           time.Duration
	Timeout          time.Duration
	OnStateChange    StateChangeFunc
	Now              func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		window:           cfg.Window,
		timeout:          cfg.Timeout,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
	}
}

// Name returns the breaker key.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow checks if a request should be allowed.
// After the cool-down exactly one caller is admitted as the half-open probe;
// everyone else is rejected until that probe reports back.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		notify := cb.setState(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		slog.Info("Circuit breaker transitioning to HALF_OPEN",
			slog.String("name", cb.name))
		return true

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true

	default:
		cb.mu.Unlock()
		return false
	}
}

// IsOpen reports whether calls would be rejected right now, without claiming
// the probe slot.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.openedAt) < cb.timeout
	case StateHalfOpen:
		return cb.probeInFlight
	default:
		return false
	}
}

// RecordSuccess records a call that reached a healthy venue.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	cb.failures = cb.failures[:0]
	notify := func() {}
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		notify = cb.setState(StateClosed)
		slog.Info("Circuit breaker CLOSED (recovered)",
			slog.String("name", cb.name))
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a transient failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	now := cb.now()
	notify := func() {}

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.trim(now)
		if len(cb.failures) >= cb.failureThreshold {
			cb.openedAt = now
			notify = cb.setState(StateOpen)
			slog.Warn("Circuit breaker OPEN (failures exceeded threshold)",
				slog.String("name", cb.name),
				slog.Int("failures", len(cb.failures)))
		}

	case StateHalfOpen:
		// Probe failed: back to open for another cool-down.
		cb.probeInFlight = false
		cb.openedAt = now
		notify = cb.setState(StateOpen)
		slog.Warn("Circuit breaker OPEN (half-open test failed)",
			slog.String("name", cb.name))
	}
	cb.mu.Unlock()
	notify()
}

// Release gives back an admitted slot whose outcome says nothing about venue
// health (caller cancelled, rate limited before the call).
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// GetState returns the current state (for monitoring).
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit breaker to closed state (for testing/admin).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = cb.failures[:0]
	cb.probeInFlight = false
	notify := cb.setState(StateClosed)
	cb.mu.Unlock()
	notify()
	slog.Info("Circuit breaker RESET", slog.String("name", cb.name))
}

// trim drops failures outside the sliding window. Must be called with mutex held.
func (cb *CircuitBreaker) trim(now time.Time) {
	if cb.window <= 0 {
		return
	}
	i := 0
	for i < len(cb.failures) && now.Sub(cb.failures[i]) > cb.window {
		i++
	}
	cb.failures = cb.failures[i:]
}

// setState must be called with mutex held; the returned func fires the hook
// once the lock is released.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.onStateChange == nil {
		return func() {}
	}
	hook, name := cb.onStateChange, cb.name
	return func() { hook(name, from, to) }
}

// BreakerSet lazily creates one breaker per key, e.g. "bitget/trade".
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configFn func(key string) CircuitBreakerConfig
}

// NewBreakerSet creates a set; configFn supplies per-key configuration.
func NewBreakerSet(configFn func(key string) CircuitBreakerConfig) *BreakerSet {
	if configFn == nil {
		configFn = DefaultCircuitBreakerConfig
	}
	return &BreakerSet{breakers: make(map[string]*CircuitBreaker), configFn: configFn}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cfg := s.configFn(key)
		cfg.Name = key
		cb = NewCircuitBreaker(cfg)
		s.breakers[key] = cb
	}
	return cb
}

// States returns a point-in-time view of all breakers.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.GetState()
	}
	return out
}
