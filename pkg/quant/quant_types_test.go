package quant

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"1.23", "1.23", false},
		{"", "0", false},
		{"null", "0", false},
		{" 50000.5 ", "50000.5", false},
		{"-0.001", "-0.001", false},
		{"abc", "0", true},
	}

	for _, tt := range tests {
		got, err := ParseDecimal(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDecimal(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(d(tt.expected)) {
			t.Errorf("ParseDecimal(%q) = %s; want %s", tt.input, got, tt.expected)
		}
	}
}

func TestParseOrZero(t *testing.T) {
	for in, want := range map[string]string{"42.5": "42.5", "": "0", "abc": "0", "1e3": "1000"} {
		if got := ParseOrZero(in); !got.Equal(d(want)) {
			t.Errorf("ParseOrZero(%q) = %s; want %s", in, got, want)
		}
	}
}

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		v, step, want string
	}{
		{"0.0123", "0.001", "0.012"},
		{"0.01", "0.001", "0.01"},
		{"5", "0", "5"},
		{"7", "2", "6"},
	}
	for _, tt := range tests {
		if got := FloorToStep(d(tt.v), d(tt.step)); !got.Equal(d(tt.want)) {
			t.Errorf("FloorToStep(%s, %s) = %s; want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	if got := RoundToTick(d("50000.06"), d("0.1")); !got.Equal(d("50000.1")) {
		t.Errorf("RoundToTick = %s; want 50000.1", got)
	}
}

func TestNormalizeQty(t *testing.T) {
	t.Run("exact multiple passes", func(t *testing.T) {
		got, err := NormalizeQty(d("0.01"), d("0.001"), d("0.001"))
		if err != nil || !got.Equal(d("0.01")) {
			t.Fatalf("got %s, %v", got, err)
		}
	})

	t.Run("small drift inside tolerance", func(t *testing.T) {
		// 1.0005 -> 1.000 is a 0.05% change
		got, err := NormalizeQty(d("1.0005"), d("0.001"), d("0.001"))
		if err != nil || !got.Equal(d("1")) {
			t.Fatalf("got %s, %v", got, err)
		}
	})

	t.Run("drift outside tolerance", func(t *testing.T) {
		_, err := NormalizeQty(d("0.0159"), d("0.01"), d("0.001"))
		if !errors.Is(err, ErrOutsideTolerance) {
			t.Fatalf("expected ErrOutsideTolerance, got %v", err)
		}
	})

	t.Run("below minimum", func(t *testing.T) {
		_, err := NormalizeQty(d("0.0004"), d("0.001"), d("1"))
		if !errors.Is(err, ErrBelowMinimum) {
			t.Fatalf("expected ErrBelowMinimum, got %v", err)
		}
	})
}

func TestNotional(t *testing.T) {
	if got := Notional(d("-0.5"), d("100")); !got.Equal(d("50")) {
		t.Errorf("Notional = %s; want 50", got)
	}
}
