package execution

import (
	"context"

	"exec_core/internal/domain"

	"github.com/shopspring/decimal"
)

// Broker is the uniform venue abstraction. One Broker is bound to one
// (account, venue) pair. Implementations classify every failure into the
// domain error taxonomy and never retry on their own.
type Broker interface {
	Name() string
	Account() string
	Capability() domain.BrokerCapability

	Connect(ctx context.Context) error

	// PlaceOrder submits a normalized intent tagged with clientOrderID.
	PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error)

	// CancelOrder cancels an order by venue id.
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error

	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error)

	// GetOrderByClientID finds an order by its client id.
	// Returns a NotFound error when the venue has no such order.
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error)

	GetBalance(ctx context.Context) (domain.Balance, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// ClosePosition flattens the net position in symbol.
	ClosePosition(ctx context.Context, symbol string) error

	Close() error
}

// OrderPusher is implemented by brokers that stream order updates.
type OrderPusher interface {
	SetOrderUpdateHandler(fn func(domain.OrderReport))
	PushActive() bool
}

// PriceSource is the narrow view used by market-data consumers.
type PriceSource interface {
	Name() string
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
