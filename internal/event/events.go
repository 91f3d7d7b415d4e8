package event

import (
	"time"

	"exec_core/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvOrderUpdate Type = iota + 1
	EvFill
	EvAlert
	EvMarginSnapshot
)

func (t Type) String() string {
	switch t {
	case EvOrderUpdate:
		return "order_update"
	case EvFill:
		return "fill"
	case EvAlert:
		return "alert"
	case EvMarginSnapshot:
		return "margin_snapshot"
	default:
		return "unknown"
	}
}

// Event is the interface for everything published on the bus.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
	GetAccount() string
}

// BaseEvent contains common fields for all events. Seq and Ts are stamped by
// the bus on publish.
type BaseEvent struct {
	Seq     uint64    `json:"seq"`
	Ts      time.Time `json:"ts"`
	Account string    `json:"account"`
}

func (e *BaseEvent) GetSeq() uint64     { return e.Seq }
func (e *BaseEvent) GetTs() time.Time   { return e.Ts }
func (e *BaseEvent) GetAccount() string { return e.Account }

func (e *BaseEvent) stamp(seq uint64, ts time.Time) {
	e.Seq = seq
	if e.Ts.IsZero() {
		e.Ts = ts
	}
}

// OrderUpdateEvent carries a copy of a ManagedOrder after a state change.
type OrderUpdateEvent struct {
	BaseEvent
	Order domain.ManagedOrder `json:"order"`
}

func (e *OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// FillEvent is emitted once per fill applied to the ledger.
type FillEvent struct {
	BaseEvent
	Fill     domain.Fill     `json:"fill"`
	Position domain.Position `json:"position"`
}

func (e *FillEvent) GetType() Type { return EvFill }

// AlertEvent wraps an advisory alert.
type AlertEvent struct {
	BaseEvent
	Alert domain.Alert `json:"alert"`
}

func (e *AlertEvent) GetType() Type { return EvAlert }

// MarginSnapshotEvent publishes every new margin reading.
type MarginSnapshotEvent struct {
	BaseEvent
	Snapshot domain.MarginSnapshot `json:"snapshot"`
}

func (e *MarginSnapshotEvent) GetType() Type { return EvMarginSnapshot }

// NewOrderUpdate builds an order event for o.
func NewOrderUpdate(o domain.ManagedOrder) *OrderUpdateEvent {
	return &OrderUpdateEvent{BaseEvent: BaseEvent{Account: o.Intent.Account, Ts: o.UpdatedAt}, Order: o}
}

// NewFill builds a fill event.
func NewFill(f domain.Fill, pos domain.Position) *FillEvent {
	return &FillEvent{BaseEvent: BaseEvent{Account: f.Account, Ts: f.At}, Fill: f, Position: pos}
}

// NewAlert builds an alert event.
func NewAlert(a domain.Alert) *AlertEvent {
	return &AlertEvent{BaseEvent: BaseEvent{Account: a.Account, Ts: a.At}, Alert: a}
}

// NewMarginSnapshot builds a margin snapshot event.
func NewMarginSnapshot(s domain.MarginSnapshot) *MarginSnapshotEvent {
	return &MarginSnapshotEvent{BaseEvent: BaseEvent{Account: s.Account, Ts: s.At}, Snapshot: s}
}
