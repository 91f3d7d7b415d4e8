package quant

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// All quantities and prices crossing the core are decimal.Decimal.
// Float64 is only tolerated at venue boundaries that send JSON numbers.

var (
	// ErrOutsideTolerance is returned when lot-size rounding would move a
	// quantity further from the caller's intent than allowed.
	ErrOutsideTolerance = errors.New("normalized value outside tolerance")
	// ErrBelowMinimum is returned when rounding collapses a value to zero.
	ErrBelowMinimum = errors.New("value below minimum step")
)

// ParseDecimal parses a venue numeric string.
// Empty strings and "null" map to zero, matching how venues omit unset fields.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ParseOrZero parses s and falls back to zero on malformed input.
func ParseOrZero(s string) decimal.Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FloorToStep truncates v down to a multiple of step.
// A non-positive step leaves v unchanged.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundToTick rounds v to the nearest multiple of tick (half away from zero).
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

// NormalizeQty floors qty to the venue lot step and verifies that the relative
// change stays within tolerance (e.g. 0.001 = 0.1%).
func NormalizeQty(qty, step, tolerance decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return qty, nil
	}
	n := FloorToStep(qty, step)
	if n.IsZero() {
		return n, ErrBelowMinimum
	}
	if RelativeChange(qty, n).GreaterThan(tolerance) {
		return n, ErrOutsideTolerance
	}
	return n, nil
}

// RelativeChange returns |to-from| / |from|, or zero when from is zero.
func RelativeChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Abs().Div(from.Abs())
}

// Notional returns |qty| * price.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(price)
}
