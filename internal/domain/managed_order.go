package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid order state transition")

// OrderState tracks the lifecycle of a ManagedOrder.
type OrderState int

const (
	StateIntake OrderState = iota
	StateValidating
	StateIdempotentCheck
	StateSubmitting
	StateAcknowledged
	StatePartiallyFilled
	StateFilled
	StateCancelled
	StateRejected
	StateFailed
)

func (s OrderState) String() string {
	switch s {
	case StateIntake:
		return "INTAKE"
	case StateValidating:
		return "VALIDATING"
	case StateIdempotentCheck:
		return "IDEMPOTENT_CHECK"
	case StateSubmitting:
		return "SUBMITTING"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition can occur.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

var transitions = map[OrderState][]OrderState{
	StateIntake:          {StateValidating},
	StateValidating:      {StateIdempotentCheck, StateRejected},
	StateIdempotentCheck: {StateSubmitting, StateAcknowledged, StatePartiallyFilled, StateFilled, StateRejected, StateFailed},
	StateSubmitting:      {StateAcknowledged, StatePartiallyFilled, StateFilled, StateRejected, StateFailed},
	StateAcknowledged:    {StatePartiallyFilled, StateFilled, StateRejected},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled},
}

// CanTransition reports whether from -> to is allowed. Any non-terminal state
// may move to Cancelled.
func CanTransition(from, to OrderState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records when a state was entered.
type Transition struct {
	State  OrderState `json:"state"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// ManagedOrder is the system's view of one order. It is owned by a single
// state-machine goroutine; everyone else works with copies from Clone.
type ManagedOrder struct {
	Handle        OrderHandle     `json:"handle"`
	RecordKey     string          `json:"record_key"`
	Intent        OrderIntent     `json:"intent"`
	State         OrderState      `json:"state"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	VenueStatus   VenueStatus     `json:"venue_status,omitempty"`
	Transitions   []Transition    `json:"transitions"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewManagedOrder creates an order in Intake.
func NewManagedOrder(handle OrderHandle, intent OrderIntent, now time.Time) *ManagedOrder {
	return &ManagedOrder{
		Handle:      handle,
		Intent:      intent,
		State:       StateIntake,
		Transitions: []Transition{{State: StateIntake, At: now}},
		UpdatedAt:   now,
	}
}

// IsOpen checks if the order is still live at the venue or in flight.
func (o *ManagedOrder) IsOpen() bool {
	return !o.State.IsTerminal()
}

// RemainingQty returns intent quantity minus filled quantity.
func (o *ManagedOrder) RemainingQty() decimal.Decimal {
	return o.Intent.Quantity.Sub(o.FilledQty)
}

// MoveTo applies a state transition, recording its timestamp.
func (o *ManagedOrder) MoveTo(to OrderState, at time.Time, reason string) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, to)
	}
	o.State = to
	o.UpdatedAt = at
	o.Transitions = append(o.Transitions, Transition{State: to, At: at, Reason: reason})
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *ManagedOrder) Clone() ManagedOrder {
	c := *o
	c.Transitions = append([]Transition(nil), o.Transitions...)
	return c
}
