package infra

import (
	"testing"
	"time"
)

// =====================================================
// Infra Backoff Tests
// =====================================================

func TestExpBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 60 * time.Second},  // capped
		{100, 60 * time.Second}, // still capped, no overflow
	}

	for _, tt := range tests {
		if got := ExpBackoff(tt.retryCount, time.Second, time.Minute); got != tt.want {
			t.Errorf("ExpBackoff(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestFullJitter_Bounds(t *testing.T) {
	base, ceiling := 10*time.Millisecond, 80*time.Millisecond
	for attempt := 0; attempt < 8; attempt++ {
		upper := ExpBackoff(attempt, base, ceiling)
		for i := 0; i < 200; i++ {
			d := FullJitter(attempt, base, ceiling)
			if d < 0 || d > upper {
				t.Fatalf("FullJitter(%d) = %s, outside [0, %s]", attempt, d, upper)
			}
		}
	}
}
