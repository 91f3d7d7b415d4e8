package safe

import "github.com/shopspring/decimal"

// Ratio returns num/den, or fallback when den is not positive.
// Used for margin ratios where a non-positive equity has no meaningful ratio.
func Ratio(num, den, fallback decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return fallback
	}
	return num.Div(den)
}

// NonNegative returns v, or zero if v is negative.
func NonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
