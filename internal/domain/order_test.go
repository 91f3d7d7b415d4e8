package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validIntent() OrderIntent {
	return OrderIntent{
		Account:        "acc-1",
		Venue:          "bitget",
		Symbol:         "BTCUSDT",
		Side:           SideBuy,
		Type:           OrderTypeLimit,
		Quantity:       decimal.RequireFromString("0.01"),
		LimitPrice:     decimal.NewFromInt(50000),
		IdempotencyKey: "abc-1",
	}
}

func TestOrderIntent_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OrderIntent)
		want   error
	}{
		{"valid", func(*OrderIntent) {}, nil},
		{"missing key", func(i *OrderIntent) { i.IdempotencyKey = "" }, ErrInvalidIntent},
		{"zero qty", func(i *OrderIntent) { i.Quantity = decimal.Zero }, ErrInvalidQuantity},
		{"limit without price", func(i *OrderIntent) { i.LimitPrice = decimal.Zero }, ErrInvalidIntent},
		{"stop without trigger", func(i *OrderIntent) { i.Type = OrderTypeStop }, ErrInvalidIntent},
		{"bad side", func(i *OrderIntent) { i.Side = "HOLD" }, ErrInvalidIntent},
		{"market ok", func(i *OrderIntent) { i.Type = OrderTypeMarket; i.LimitPrice = decimal.Zero }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validIntent()
			tt.mutate(&in)
			err := in.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManagedOrder_IsOpen(t *testing.T) {
	tests := []struct {
		name  string
		state OrderState
		want  bool
	}{
		{"ACKNOWLEDGED", StateAcknowledged, true},
		{"PARTIALLY_FILLED", StatePartiallyFilled, true},
		{"FILLED", StateFilled, false},
		{"CANCELLED", StateCancelled, false},
		{"FAILED", StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &ManagedOrder{State: tt.state}
			if got := o.IsOpen(); got != tt.want {
				t.Errorf("ManagedOrder.IsOpen() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManagedOrder_MoveTo(t *testing.T) {
	now := time.Now()
	o := NewManagedOrder("h1", validIntent(), now)

	path := []OrderState{StateValidating, StateIdempotentCheck, StateSubmitting, StateAcknowledged, StatePartiallyFilled, StateFilled}
	for _, s := range path {
		if err := o.MoveTo(s, now, ""); err != nil {
			t.Fatalf("MoveTo(%s): %v", s, err)
		}
	}
	if len(o.Transitions) != len(path)+1 {
		t.Errorf("expected %d transitions, got %d", len(path)+1, len(o.Transitions))
	}

	// Terminal is sticky, including cancel.
	if err := o.MoveTo(StateCancelled, now, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCanTransition_CancelFromAnyOpenState(t *testing.T) {
	for _, s := range []OrderState{StateIntake, StateValidating, StateIdempotentCheck, StateSubmitting, StateAcknowledged, StatePartiallyFilled} {
		if !CanTransition(s, StateCancelled) {
			t.Errorf("%s -> CANCELLED should be allowed", s)
		}
	}
	if CanTransition(StateAcknowledged, StateSubmitting) {
		t.Error("ACKNOWLEDGED -> SUBMITTING should be rejected")
	}
}

func TestManagedOrder_CloneIsDeep(t *testing.T) {
	o := NewManagedOrder("h1", validIntent(), time.Now())
	c := o.Clone()
	_ = o.MoveTo(StateValidating, time.Now(), "")
	if len(c.Transitions) != 1 {
		t.Errorf("clone shares transitions slice: %d", len(c.Transitions))
	}
}
