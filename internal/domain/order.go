package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the order kind requested by the caller.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// NeedsLimitPrice reports whether a limit price is mandatory.
func (t OrderType) NeedsLimitPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStopPrice reports whether a trigger price is mandatory.
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// OrderIntent is the caller's request. It is passed by value and never
// mutated after creation. Zero prices mean "unset".
type OrderIntent struct {
	Account        string
	Venue          string
	Symbol         string
	Side           Side
	Type           OrderType
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	ReduceOnly     bool
	IdempotencyKey string
}

// Validate checks symbol/quantity/price sanity.
func (i OrderIntent) Validate() error {
	switch {
	case i.Account == "":
		return invalid("account required")
	case i.Venue == "":
		return invalid("venue required")
	case i.Symbol == "":
		return invalid("symbol required")
	case i.IdempotencyKey == "":
		return invalid("idempotency key required")
	case i.Side != SideBuy && i.Side != SideSell:
		return invalid(fmt.Sprintf("unknown side %q", i.Side))
	case !i.Quantity.IsPositive():
		return NewCallError(KindInvalidQuantity, i.Venue, "validate", "quantity must be positive", nil)
	}

	switch i.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return invalid(fmt.Sprintf("unknown order type %q", i.Type))
	}
	if i.Type.NeedsLimitPrice() && !i.LimitPrice.IsPositive() {
		return invalid("limit price required for " + string(i.Type))
	}
	if i.Type.NeedsStopPrice() && !i.StopPrice.IsPositive() {
		return invalid("stop price required for " + string(i.Type))
	}
	if i.LimitPrice.IsNegative() || i.StopPrice.IsNegative() {
		return invalid("negative price")
	}
	return nil
}

func invalid(msg string) error {
	return NewCallError(KindInvalidIntent, "", "validate", msg, nil)
}

// OrderHandle identifies a ManagedOrder to inbound callers.
type OrderHandle string

// VenueStatus is the normalized status reported by a venue.
type VenueStatus string

const (
	VenueStatusNew             VenueStatus = "NEW"
	VenueStatusPartiallyFilled VenueStatus = "PARTIALLY_FILLED"
	VenueStatusFilled          VenueStatus = "FILLED"
	VenueStatusCancelled       VenueStatus = "CANCELLED"
	VenueStatusRejected        VenueStatus = "REJECTED"
	VenueStatusExpired         VenueStatus = "EXPIRED"
	VenueStatusUnknown         VenueStatus = "UNKNOWN"
)

// IsFinal reports whether the venue will not change this order again.
func (s VenueStatus) IsFinal() bool {
	switch s {
	case VenueStatusFilled, VenueStatusCancelled, VenueStatusRejected, VenueStatusExpired:
		return true
	default:
		return false
	}
}

// OrderReport is a venue's view of a single order.
type OrderReport struct {
	VenueOrderID  string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        VenueStatus
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Reason        string
	UpdatedAt     time.Time
}

// Fill is one execution applied to the ledger.
type Fill struct {
	FillID       string
	Account      string
	Venue        string
	Symbol       string
	VenueOrderID string
	Side         Side
	Qty          decimal.Decimal
	Price        decimal.Decimal
	At           time.Time
}

// SignedQty returns Qty with the side's sign.
func (f Fill) SignedQty() decimal.Decimal {
	return f.Qty.Mul(f.Side.Sign())
}
