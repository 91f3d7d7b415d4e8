package execution

import (
	"context"
	"errors"
	"log/slog"

	"exec_core/internal/domain"
	"exec_core/internal/infra"

	"github.com/shopspring/decimal"
)

// Guarded decorates a Broker with capability checks and the resilience layer.
// Every network call goes through the shared infra.Guard, so trading and
// market-data calls on one venue share its limiter and breakers.
type Guarded struct {
	inner Broker
	guard *infra.Guard
	venue string
}

// NewGuarded wraps inner.
func NewGuarded(inner Broker, guard *infra.Guard) *Guarded {
	return &Guarded{inner: inner, guard: guard, venue: inner.Name()}
}

// Submission is the result of a guarded placement.
type Submission struct {
	Report   domain.OrderReport
	Intent   domain.OrderIntent // as normalized and sent
	Attempts int
	Existing bool // found by client id instead of placed
}

func (g *Guarded) Name() string                        { return g.venue }
func (g *Guarded) Account() string                     { return g.inner.Account() }
func (g *Guarded) Capability() domain.BrokerCapability { return g.inner.Capability() }

// Inner returns the undecorated broker.
func (g *Guarded) Inner() Broker { return g.inner }

// Guard returns the resilience layer this broker shares.
func (g *Guarded) Guard() *infra.Guard { return g.guard }

// Prepare checks the intent against the capability and normalizes it to the
// venue's lot and tick sizes. No network call is made.
func (g *Guarded) Prepare(intent domain.OrderIntent) (domain.OrderIntent, error) {
	capab := g.inner.Capability()
	if err := capab.CheckIntent(intent); err != nil {
		return intent, err
	}
	return capab.Normalize(intent)
}

// Submit places intent at most once per clientOrderID.
//
// Venues with native client ids reject a repeated id; when that happens the
// order from the earlier attempt is looked up and returned. Venues without
// them get an existence check before every attempt.
func (g *Guarded) Submit(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (Submission, error) {
	n, err := g.Prepare(intent)
	if err != nil {
		return Submission{Intent: intent}, err
	}
	sub := Submission{Intent: n}
	native := g.inner.Capability().NativeClientOrderID

	sub.Attempts, err = g.guard.Run(ctx, g.venue, infra.ClassTrade, "place_order", func(ctx context.Context) error {
		if !native {
			rep, err := g.inner.GetOrderByClientID(ctx, n.Symbol, clientOrderID)
			switch {
			case err == nil:
				sub.Report, sub.Existing = rep, true
				return nil
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}
		rep, err := g.inner.PlaceOrder(ctx, n, clientOrderID)
		if err != nil {
			return err
		}
		sub.Report = rep
		return nil
	})

	if err != nil && native && errors.Is(err, domain.ErrRejected) {
		rep, lerr := infra.Call(ctx, g.guard, g.venue, infra.ClassTrade, "order_by_client_id",
			func(ctx context.Context) (domain.OrderReport, error) {
				return g.inner.GetOrderByClientID(ctx, n.Symbol, clientOrderID)
			})
		if lerr == nil {
			slog.Warn("⚠️ Venue rejected a repeated client id; adopting existing order",
				slog.String("venue", g.venue),
				slog.String("client_order_id", clientOrderID),
				slog.String("venue_order_id", rep.VenueOrderID),
				slog.Any("rejection", err))
			sub.Report, sub.Existing = rep, true
			return sub, nil
		}
	}
	if err != nil {
		return sub, err
	}

	if sub.Existing {
		slog.Info("Order already at venue; not resubmitting",
			slog.String("venue", g.venue),
			slog.String("client_order_id", clientOrderID),
			slog.String("venue_order_id", sub.Report.VenueOrderID))
	}
	if sub.Report.ClientOrderID == "" {
		sub.Report.ClientOrderID = clientOrderID
	}
	return sub, nil
}

// Connect runs the broker's connect under the account breaker.
func (g *Guarded) Connect(ctx context.Context) error {
	return g.guard.Do(ctx, g.venue, infra.ClassAccount, "connect", g.inner.Connect)
}

// PlaceOrder is Submit without the bookkeeping.
func (g *Guarded) PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error) {
	sub, err := g.Submit(ctx, intent, clientOrderID)
	return sub.Report, err
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	return g.guard.Do(ctx, g.venue, infra.ClassTrade, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, venueOrderID)
	})
}

func (g *Guarded) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error) {
	return infra.Call(ctx, g.guard, g.venue, infra.ClassTrade, "order_status", func(ctx context.Context) (domain.OrderReport, error) {
		return g.inner.GetOrderStatus(ctx, symbol, venueOrderID)
	})
}

func (g *Guarded) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error) {
	return infra.Call(ctx, g.guard, g.venue, infra.ClassTrade, "order_by_client_id", func(ctx context.Context) (domain.OrderReport, error) {
		return g.inner.GetOrderByClientID(ctx, symbol, clientOrderID)
	})
}

func (g *Guarded) GetBalance(ctx context.Context) (domain.Balance, error) {
	return infra.Call(ctx, g.guard, g.venue, infra.ClassAccount, "balance", g.inner.GetBalance)
}

func (g *Guarded) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return infra.Call(ctx, g.guard, g.venue, infra.ClassAccount, "positions", g.inner.GetPositions)
}

// SetLeverage fails before the network when the venue has no leverage control.
func (g *Guarded) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	if err := g.inner.Capability().RequireLeverage(); err != nil {
		return err
	}
	if !leverage.IsPositive() {
		return domain.NewCallError(domain.KindInvalidIntent, g.venue, "set_leverage", "leverage must be positive", nil)
	}
	return g.guard.Do(ctx, g.venue, infra.ClassAccount, "set_leverage", func(ctx context.Context) error {
		return g.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (g *Guarded) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return infra.Call(ctx, g.guard, g.venue, infra.ClassMarket, "price", func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.GetCurrentPrice(ctx, symbol)
	})
}

func (g *Guarded) ClosePosition(ctx context.Context, symbol string) error {
	return g.guard.Do(ctx, g.venue, infra.ClassTrade, "close_position", func(ctx context.Context) error {
		return g.inner.ClosePosition(ctx, symbol)
	})
}

func (g *Guarded) Close() error { return g.inner.Close() }

// SetOrderUpdateHandler forwards to the inner broker when it streams updates.
func (g *Guarded) SetOrderUpdateHandler(fn func(domain.OrderReport)) {
	if p, ok := g.inner.(OrderPusher); ok {
		p.SetOrderUpdateHandler(fn)
	}
}

// PushActive reports whether pushed order updates are currently flowing.
func (g *Guarded) PushActive() bool {
	if p, ok := g.inner.(OrderPusher); ok {
		return p.PushActive()
	}
	return false
}

var (
	_ Broker      = (*Guarded)(nil)
	_ OrderPusher = (*Guarded)(nil)
)
