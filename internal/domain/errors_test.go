package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"call error", Rejected("bitget", "place_order", "40762", "insufficient"), KindRejected},
		{"wrapped call error", fmt.Errorf("submit: %w", Transient("bitget", "place_order", errors.New("502"))), KindTransient},
		{"deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), KindTransient},
		{"net timeout", timeoutErr{}, KindTransient},
		{"sentinel", fmt.Errorf("x: %w", ErrRateLimited), KindRateLimited},
		{"unknown", errors.New("boom"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCallError_Is(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Unsupported("tradovate", "set_leverage", "leverage"))
	if !errors.Is(err, ErrCapabilityUnsupported) {
		t.Error("expected errors.Is to match ErrCapabilityUnsupported")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("should not match ErrTransient")
	}
	if IsRetryable(err) {
		t.Error("unsupported must not be retryable")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(Rejected("bitget", "place_order", "40762", "")); got != "REJECTED:40762" {
		t.Errorf("Reason = %q", got)
	}
	if got := Reason(context.DeadlineExceeded); got != "TRANSIENT" {
		t.Errorf("Reason = %q", got)
	}
}
