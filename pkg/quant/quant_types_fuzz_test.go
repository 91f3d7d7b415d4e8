package quant

import (
	"testing"

	"github.com/shopspring/decimal"
)

// FuzzParseDecimal checks that venue strings never panic the parser.
func FuzzParseDecimal(f *testing.F) {
	f.Add("0")
	f.Add("1.23")
	f.Add("-1.23")
	f.Add("null")
	f.Add("1e-8")
	f.Add("9223372036854775807.99999999")

	f.Fuzz(func(t *testing.T, s string) {
		_, _ = ParseDecimal(s)
	})
}

// FuzzFloorToStep checks the result is never larger than the input for positive values.
func FuzzFloorToStep(f *testing.F) {
	f.Add(int64(12345), int64(10))
	f.Add(int64(1), int64(1000))

	f.Fuzz(func(t *testing.T, v, step int64) {
		if v <= 0 || step <= 0 {
			return
		}
		dv := decimal.New(v, -4)
		ds := decimal.New(step, -4)
		got := FloorToStep(dv, ds)
		if got.GreaterThan(dv) {
			t.Fatalf("FloorToStep(%s, %s) = %s exceeds input", dv, ds, got)
		}
	})
}
