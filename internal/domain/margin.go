package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertTier is a margin-ratio band. Higher tiers are more dangerous.
type AlertTier int

const (
	TierNone AlertTier = iota
	Tier70
	Tier80
	Tier90
)

func (t AlertTier) String() string {
	switch t {
	case Tier70:
		return "70%"
	case Tier80:
		return "80%"
	case Tier90:
		return "90%"
	default:
		return "none"
	}
}

// TierThresholds are the ratio boundaries (0..1) for Tier70/80/90.
type TierThresholds struct {
	Warn     decimal.Decimal `yaml:"warn"`
	High     decimal.Decimal `yaml:"high"`
	Critical decimal.Decimal `yaml:"critical"`
}

// DefaultTierThresholds returns 70/80/90%.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{
		Warn:     decimal.RequireFromString("0.70"),
		High:     decimal.RequireFromString("0.80"),
		Critical: decimal.RequireFromString("0.90"),
	}
}

// TierFor maps a margin ratio to its tier. Monotonic: a higher ratio never
// yields a lower tier.
func (th TierThresholds) TierFor(ratio decimal.Decimal) AlertTier {
	switch {
	case ratio.GreaterThanOrEqual(th.Critical):
		return Tier90
	case ratio.GreaterThanOrEqual(th.High):
		return Tier80
	case ratio.GreaterThanOrEqual(th.Warn):
		return Tier70
	default:
		return TierNone
	}
}

// MarginSnapshot is one immutable margin-health reading for an account on a
// venue. A new snapshot supersedes, never edits, the previous one.
type MarginSnapshot struct {
	Account               string          `json:"account"`
	Venue                 string          `json:"venue"`
	At                    time.Time       `json:"at"`
	WalletBalance         decimal.Decimal `json:"wallet_balance"`
	UsedMargin            decimal.Decimal `json:"used_margin"`
	Equity                decimal.Decimal `json:"equity"`
	MarginRatio           decimal.Decimal `json:"margin_ratio"`
	DistanceToLiquidation decimal.Decimal `json:"distance_to_liquidation"`
	Tier                  AlertTier       `json:"tier"`
	Stale                 bool            `json:"stale"`
	Positions             []Position      `json:"positions,omitempty"`
}

// WithStale returns a copy marked stale.
func (s MarginSnapshot) WithStale() MarginSnapshot {
	s.Stale = true
	s.Positions = append([]Position(nil), s.Positions...)
	return s
}
