package safe

import (
	"testing"

	"github.com/shopspring/decimal"
)

// FuzzRatio checks Ratio never panics and respects the fallback on bad denominators.
func FuzzRatio(f *testing.F) {
	f.Add(int64(0), int64(0))
	f.Add(int64(850), int64(1000))
	f.Add(int64(-1), int64(1))
	f.Add(int64(9223372036854775807), int64(-1))

	f.Fuzz(func(t *testing.T, a, b int64) {
		fb := decimal.NewFromInt(-42)
		got := Ratio(decimal.NewFromInt(a), decimal.NewFromInt(b), fb)
		if b <= 0 && !got.Equal(fb) {
			t.Fatalf("Ratio(%d, %d) = %s, expected fallback", a, b, got)
		}
	})
}
