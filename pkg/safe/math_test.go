package safe

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSafeMath(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name string
		got  decimal.Decimal
		want decimal.Decimal
	}{
		{"Ratio Normal", Ratio(decimal.NewFromInt(850), decimal.NewFromInt(1000), one), decimal.RequireFromString("0.85")},
		{"Ratio Zero Den", Ratio(decimal.NewFromInt(850), decimal.Zero, one), one},
		{"Ratio Negative Den", Ratio(decimal.NewFromInt(1), decimal.NewFromInt(-5), one), one},
		{"NonNegative", NonNegative(decimal.NewFromInt(-3)), decimal.Zero},
		{"NonNegative Positive", NonNegative(decimal.NewFromInt(3)), decimal.NewFromInt(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.got.Equal(tt.want) {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}
