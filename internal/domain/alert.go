package domain

import (
	"fmt"
	"time"
)

// AlertKind distinguishes advisory signals. Staleness is never a margin alert.
type AlertKind string

const (
	AlertMarginTier    AlertKind = "MARGIN_TIER"
	AlertPositionDrift AlertKind = "POSITION_DRIFT"
	AlertDataStale     AlertKind = "DATA_STALE"
	AlertCircuitOpen   AlertKind = "CIRCUIT_OPEN"
)

// Alert is published to the notification collaborator.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Account string    `json:"account,omitempty"`
	Venue   string    `json:"venue,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Tier    AlertTier `json:"tier,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Repeat  bool      `json:"repeat,omitempty"` // sustained-tier reminder
}

func (a Alert) String() string {
	switch a.Kind {
	case AlertMarginTier:
		s := fmt.Sprintf("[%s] %s/%s tier=%s %s", a.Kind, a.Account, a.Venue, a.Tier, a.Message)
		if a.Repeat {
			s += " (sustained)"
		}
		return s
	case AlertPositionDrift:
		return fmt.Sprintf("[%s] %s/%s %s %s", a.Kind, a.Account, a.Venue, a.Symbol, a.Message)
	default:
		return fmt.Sprintf("[%s] %s/%s %s", a.Kind, a.Account, a.Venue, a.Message)
	}
}
