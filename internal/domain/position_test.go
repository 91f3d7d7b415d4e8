package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPosition_Direction(t *testing.T) {
	tests := []struct {
		name    string
		qty     int64
		isLong  bool
		isShort bool
	}{
		{"Long", 100, true, false},
		{"Short", -100, false, true},
		{"Flat", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{NetQty: decimal.NewFromInt(tt.qty)}
			if got := p.IsLong(); got != tt.isLong {
				t.Errorf("Position.IsLong() = %v, want %v", got, tt.isLong)
			}
			if got := p.IsShort(); got != tt.isShort {
				t.Errorf("Position.IsShort() = %v, want %v", got, tt.isShort)
			}
		})
	}
}

func TestPosition_Remark(t *testing.T) {
	p := &Position{NetQty: decimal.NewFromInt(-2), AvgEntryPrice: decimal.NewFromInt(100)}
	p.Remark(decimal.NewFromInt(90))
	if !p.UnrealizedPnL.Equal(decimal.NewFromInt(20)) {
		t.Errorf("short unrealized = %s, want 20", p.UnrealizedPnL)
	}
	if !p.Notional().Equal(decimal.NewFromInt(180)) {
		t.Errorf("notional = %s, want 180", p.Notional())
	}
	p.Leverage = decimal.NewFromInt(10)
	if !p.MarginUsed().Equal(decimal.NewFromInt(18)) {
		t.Errorf("margin used = %s, want 18", p.MarginUsed())
	}
}

func TestPosition_ApplyFlip(t *testing.T) {
	d := decimal.RequireFromString
	p := &Position{}
	if r := p.Apply(d("2"), d("100")); !r.IsZero() {
		t.Fatalf("opening realized %s", r)
	}
	p.Apply(d("1"), d("130"))
	if !p.AvgEntryPrice.Equal(d("110")) {
		t.Errorf("avg entry = %s, want 110", p.AvgEntryPrice)
	}

	realized := p.Apply(d("-5"), d("120"))
	if !realized.Equal(d("30")) {
		t.Errorf("realized = %s, want 30", realized)
	}
	if !p.NetQty.Equal(d("-2")) || !p.AvgEntryPrice.Equal(d("120")) {
		t.Errorf("after flip qty=%s entry=%s", p.NetQty, p.AvgEntryPrice)
	}
	if !p.RealizedPnL.Equal(d("30")) {
		t.Errorf("cumulative realized = %s", p.RealizedPnL)
	}
}

func TestPosition_ApplyClose(t *testing.T) {
	d := decimal.RequireFromString
	p := &Position{NetQty: d("-3"), AvgEntryPrice: d("50")}
	realized := p.Apply(d("3"), d("40"))
	if !realized.Equal(d("30")) {
		t.Errorf("short cover realized = %s, want 30", realized)
	}
	if !p.IsFlat() || !p.AvgEntryPrice.IsZero() {
		t.Errorf("expected flat, got qty=%s entry=%s", p.NetQty, p.AvgEntryPrice)
	}
}
