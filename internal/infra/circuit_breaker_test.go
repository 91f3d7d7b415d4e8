package infra

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testBreaker(threshold int, clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		Window:           time.Minute,
		Timeout:          30 * time.Second,
		Now:              clk.Now,
	})
}

func TestCircuitBreaker_AllowInClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	if !cb.Allow() {
		t.Error("Expected Allow() to return true in CLOSED state")
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker(3, newFakeClock())

	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Error("Should still be CLOSED after 2 failures")
	}

	cb.RecordFailure() // 3rd failure

	if cb.GetState() != StateOpen {
		t.Errorf("Expected OPEN after 3 failures, got %s", cb.GetState())
	}

	// Should reject requests when open
	if cb.Allow() {
		t.Error("Expected Allow() to return false in OPEN state")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := testBreaker(3, newFakeClock())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("failures were not consecutive, expected CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	clk := newFakeClock()
	cb := testBreaker(3, clk)

	cb.RecordFailure()
	cb.RecordFailure()
	clk.Advance(2 * time.Minute)
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("old failures should have left the window, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	clk := newFakeClock()
	cb := testBreaker(2, clk)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("Expected OPEN state")
	}

	clk.Advance(31 * time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly 1 probe, got %d", admitted)
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HALF_OPEN, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		clk := newFakeClock()
		cb := testBreaker(1, clk)
		cb.RecordFailure()
		clk.Advance(31 * time.Second)
		if !cb.Allow() {
			t.Fatal("probe should be admitted")
		}
		cb.RecordSuccess()
		if cb.GetState() != StateClosed {
			t.Errorf("Expected CLOSED, got %s", cb.GetState())
		}
	})

	t.Run("failure re-opens for a full cool-down", func(t *testing.T) {
		clk := newFakeClock()
		cb := testBreaker(1, clk)
		cb.RecordFailure()
		clk.Advance(31 * time.Second)
		cb.Allow()
		cb.RecordFailure()
		if cb.GetState() != StateOpen {
			t.Fatalf("Expected OPEN, got %s", cb.GetState())
		}
		clk.Advance(10 * time.Second)
		if cb.Allow() {
			t.Error("cool-down restarted, should still reject")
		}
	})

	t.Run("release frees the probe slot", func(t *testing.T) {
		clk := newFakeClock()
		cb := testBreaker(1, clk)
		cb.RecordFailure()
		clk.Advance(31 * time.Second)
		cb.Allow()
		if cb.Allow() {
			t.Fatal("second caller must wait for the probe")
		}
		cb.Release()
		if !cb.Allow() {
			t.Error("slot should be available after Release")
		}
	})
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	var seen []State
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "bitget/trade",
		FailureThreshold: 1,
		Timeout:          time.Second,
		Now:              clk.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	cb.RecordFailure()
	clk.Advance(2 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("got transitions %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cb := NewCircuitBreaker(cfg)

	// Open the breaker
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Fatal("Expected OPEN state")
	}

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after Reset, got %s", cb.GetState())
	}

	if !cb.Allow() {
		t.Error("Expected Allow() to return true after Reset")
	}
}

func TestBreakerSet_PerKeyIsolation(t *testing.T) {
	set := NewBreakerSet(func(key string) CircuitBreakerConfig {
		return CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}
	})
	set.Get("bitget/trade").RecordFailure()

	if set.Get("bitget/trade").GetState() != StateOpen {
		t.Error("trade breaker should be open")
	}
	if set.Get("bitget/market").GetState() != StateClosed {
		t.Error("market breaker must not be affected")
	}
	if len(set.States()) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(set.States()))
	}
}
