package domain

import (
	"errors"
	"fmt"

	"exec_core/pkg/quant"

	"github.com/shopspring/decimal"
)

// ClientIDScope is where a venue enforces client-order-id uniqueness.
type ClientIDScope string

const (
	ScopeNone    ClientIDScope = "none"
	ScopeAccount ClientIDScope = "account"
	ScopeSymbol  ClientIDScope = "symbol"
)

// SymbolRule holds venue lot/tick sizes for a symbol.
type SymbolRule struct {
	QtyStep   decimal.Decimal `yaml:"qty_step"`
	PriceTick decimal.Decimal `yaml:"price_tick"`
	MinQty    decimal.Decimal `yaml:"min_qty"`
}

// BrokerCapability declares what an adapter can do so unsupported requests
// fail before reaching the network.
type BrokerCapability struct {
	Venue               string
	Spot                bool
	Futures             bool
	Leverage            bool
	Options             bool
	NativeClientOrderID bool
	ClientOrderIDScope  ClientIDScope
	MaxClientOrderIDLen int
	OrderTypes          []OrderType
	Symbols             map[string]SymbolRule
	DefaultRule         SymbolRule
	QtyTolerance        decimal.Decimal // relative, e.g. 0.001
}

// Supports reports whether an order type is accepted.
func (c BrokerCapability) Supports(t OrderType) bool {
	for _, ot := range c.OrderTypes {
		if ot == t {
			return true
		}
	}
	return false
}

// Rule returns the symbol's rule, falling back to DefaultRule.
func (c BrokerCapability) Rule(symbol string) SymbolRule {
	if r, ok := c.Symbols[symbol]; ok {
		return r
	}
	return c.DefaultRule
}

// CheckIntent validates an intent against the declared capability.
func (c BrokerCapability) CheckIntent(i OrderIntent) error {
	if !c.Spot && !c.Futures {
		return Unsupported(c.Venue, "place_order", "no tradable market")
	}
	if !c.Supports(i.Type) {
		return Unsupported(c.Venue, "place_order", fmt.Sprintf("order type %s", i.Type))
	}
	return nil
}

// RequireLeverage fails fast for venues without leverage control.
func (c BrokerCapability) RequireLeverage() error {
	if !c.Leverage {
		return Unsupported(c.Venue, "set_leverage", "leverage")
	}
	return nil
}

// Normalize floors quantity to the lot step and rounds prices to the tick.
// Returns InvalidQuantity when rounding moves the quantity beyond tolerance.
func (c BrokerCapability) Normalize(i OrderIntent) (OrderIntent, error) {
	r := c.Rule(i.Symbol)
	qty, err := quant.NormalizeQty(i.Quantity, r.QtyStep, c.QtyTolerance)
	if err != nil {
		msg := fmt.Sprintf("qty %s -> %s (step %s)", i.Quantity, qty, r.QtyStep)
		if errors.Is(err, quant.ErrBelowMinimum) {
			msg = fmt.Sprintf("qty %s below step %s", i.Quantity, r.QtyStep)
		}
		return i, NewCallError(KindInvalidQuantity, c.Venue, "place_order", msg, err)
	}
	if r.MinQty.IsPositive() && qty.LessThan(r.MinQty) {
		return i, NewCallError(KindInvalidQuantity, c.Venue, "place_order",
			fmt.Sprintf("qty %s below minimum %s", qty, r.MinQty), nil)
	}
	i.Quantity = qty
	i.LimitPrice = quant.RoundToTick(i.LimitPrice, r.PriceTick)
	i.StopPrice = quant.RoundToTick(i.StopPrice, r.PriceTick)
	return i, nil
}
