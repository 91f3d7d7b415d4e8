package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func btcCapability() BrokerCapability {
	return BrokerCapability{
		Venue:        "bitget",
		Futures:      true,
		Leverage:     true,
		OrderTypes:   []OrderType{OrderTypeMarket, OrderTypeLimit},
		QtyTolerance: decimal.RequireFromString("0.01"),
		Symbols: map[string]SymbolRule{
			"BTCUSDT": {QtyStep: decimal.RequireFromString("0.001"), PriceTick: decimal.RequireFromString("0.1")},
		},
	}
}

func TestBrokerCapability_CheckIntent(t *testing.T) {
	c := btcCapability()
	in := validIntent()
	if err := c.CheckIntent(in); err != nil {
		t.Fatalf("limit should be supported: %v", err)
	}
	in.Type = OrderTypeStopLimit
	if err := c.CheckIntent(in); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("expected ErrCapabilityUnsupported, got %v", err)
	}
}

func TestBrokerCapability_RequireLeverage(t *testing.T) {
	c := btcCapability()
	if err := c.RequireLeverage(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	c.Leverage = false
	if err := c.RequireLeverage(); KindOf(err) != KindCapabilityUnsupported {
		t.Errorf("expected CapabilityUnsupported, got %v", err)
	}
}

func TestBrokerCapability_Normalize(t *testing.T) {
	c := btcCapability()

	t.Run("within tolerance", func(t *testing.T) {
		in := validIntent()
		in.Quantity = decimal.RequireFromString("0.0101")
		in.LimitPrice = decimal.RequireFromString("50000.04")
		out, err := c.Normalize(in)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if !out.Quantity.Equal(decimal.RequireFromString("0.01")) {
			t.Errorf("qty = %s", out.Quantity)
		}
		if !out.LimitPrice.Equal(decimal.RequireFromString("50000")) {
			t.Errorf("price = %s", out.LimitPrice)
		}
	})

	t.Run("outside tolerance", func(t *testing.T) {
		in := validIntent()
		in.Quantity = decimal.RequireFromString("0.0019")
		_, err := c.Normalize(in)
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity, got %v", err)
		}
	})

	t.Run("below step", func(t *testing.T) {
		in := validIntent()
		in.Quantity = decimal.RequireFromString("0.0001")
		_, err := c.Normalize(in)
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("expected ErrInvalidQuantity, got %v", err)
		}
	})
}

func TestOutcome_RoundTrip(t *testing.T) {
	for _, o := range []Outcome{Pending(), Submitted("123"), Failed("transient-exhausted")} {
		got, err := ParseOutcome(o.String())
		if err != nil {
			t.Fatalf("ParseOutcome(%q): %v", o, err)
		}
		if got != o {
			t.Errorf("got %+v, want %+v", got, o)
		}
	}
	if _, err := ParseOutcome("submitted:"); err == nil {
		t.Error("expected error for empty venue id")
	}
}

func TestRecordKey_Scope(t *testing.T) {
	a := RecordKey("acc-1", "bitget", "abc-1")
	if a != RecordKey("acc-1", "bitget", "abc-1") {
		t.Fatal("RecordKey must be deterministic")
	}
	if a == RecordKey("acc-2", "bitget", "abc-1") || a == RecordKey("acc-1", "tradovate", "abc-1") {
		t.Error("different account or venue must yield a different key")
	}
	if id := ClientOrderID(a, 40); len(id) != 40 {
		t.Errorf("ClientOrderID length = %d", len(id))
	}
}
