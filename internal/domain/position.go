package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an open trading position per account/venue/symbol.
// Only the ledger mutates it, and only in response to fills and marks.
type Position struct {
	Account          string          `json:"account"`
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	NetQty           decimal.Decimal `json:"net_qty"` // Positive for Long, Negative for Short.
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PositionKey identifies a position in the ledger.
type PositionKey struct {
	Account string
	Venue   string
	Symbol  string
}

// Key returns the ledger key for the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Account: p.Account, Venue: p.Venue, Symbol: p.Symbol}
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.NetQty.IsPositive()
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.NetQty.IsNegative()
}

// IsFlat checks if there is no exposure.
func (p *Position) IsFlat() bool {
	return p.NetQty.IsZero()
}

// Notional returns |qty| * mark (or entry when no mark is known).
func (p *Position) Notional() decimal.Decimal {
	px := p.MarkPrice
	if px.IsZero() {
		px = p.AvgEntryPrice
	}
	return p.NetQty.Abs().Mul(px)
}

// MarginUsed estimates initial margin as notional / leverage.
func (p *Position) MarginUsed() decimal.Decimal {
	if !p.Leverage.IsPositive() {
		return p.Notional()
	}
	return p.Notional().Div(p.Leverage)
}

// Remark recomputes unrealized PnL against mark.
func (p *Position) Remark(mark decimal.Decimal) {
	p.MarkPrice = mark
	if p.IsFlat() || mark.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = mark.Sub(p.AvgEntryPrice).Mul(p.NetQty)
}

// Apply adds a signed quantity filled at price. Adding to the same side
// re-weights the entry price; reducing realizes PnL on the closed part; a
// flip opens the remainder at price. Returns the PnL realized by this call.
func (p *Position) Apply(signed, price decimal.Decimal) decimal.Decimal {
	if signed.IsZero() {
		return decimal.Zero
	}
	if p.NetQty.IsZero() || p.NetQty.Sign() == signed.Sign() {
		total := p.NetQty.Add(signed)
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(p.NetQty.Abs()).Add(price.Mul(signed.Abs())).Div(total.Abs())
		p.NetQty = total
		return decimal.Zero
	}

	closing := decimal.Min(p.NetQty.Abs(), signed.Abs())
	realized := price.Sub(p.AvgEntryPrice).Mul(closing).Mul(decimal.NewFromInt(int64(p.NetQty.Sign())))
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.NetQty = p.NetQty.Add(signed)
	switch {
	case p.NetQty.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case p.NetQty.Sign() == signed.Sign():
		p.AvgEntryPrice = price
	}
	return realized
}
