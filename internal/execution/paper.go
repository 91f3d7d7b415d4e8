package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type paperOrder struct {
	intent    domain.OrderIntent
	report    domain.OrderReport
	reserved  decimal.Decimal // margin locked while resting
	triggered bool            // stop leg has fired
}

// Paper simulates a margin futures venue with virtual balances.
// It backs PAPER mode and end-to-end tests.
type Paper struct {
	mu        sync.Mutex
	name      string
	account   string
	capab     domain.BrokerCapability
	wallet    *domain.Wallet
	seq       uint64
	orders    map[string]*paperOrder
	byClient  map[string]string
	positions map[string]*domain.Position
	prices    map[string]decimal.Decimal
	leverage  map[string]decimal.Decimal
	onUpdate  func(domain.OrderReport)
}

// NewPaper creates a paper venue funded with cfg.PaperBalance (default 100k USDT).
func NewPaper(name string, cfg infra.VenueConfig) *Paper {
	initial := cfg.PaperBalance
	if !initial.IsPositive() {
		initial = decimal.NewFromInt(100_000)
	}
	rules := make(map[string]domain.SymbolRule, len(cfg.Symbols))
	for sym, r := range cfg.Symbols {
		rules[sym] = domain.SymbolRule{QtyStep: r.QtyStep, PriceTick: r.PriceTick, MinQty: r.MinQty}
	}
	return &Paper{
		name:    name,
		account: cfg.Account,
		capab: domain.BrokerCapability{
			Venue:               name,
			Futures:             true,
			Leverage:            true,
			NativeClientOrderID: true,
			ClientOrderIDScope:  domain.ScopeAccount,
			MaxClientOrderIDLen: 64,
			OrderTypes: []domain.OrderType{
				domain.OrderTypeMarket, domain.OrderTypeLimit,
				domain.OrderTypeStop, domain.OrderTypeStopLimit,
			},
			Symbols:      rules,
			QtyTolerance: cfg.QtyTolerance,
		},
		wallet:    domain.NewWallet("USDT", initial),
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]*domain.Position),
		prices:    make(map[string]decimal.Decimal),
		leverage:  make(map[string]decimal.Decimal),
	}
}

func (p *Paper) Name() string                        { return p.name }
func (p *Paper) Account() string                     { return p.account }
func (p *Paper) Capability() domain.BrokerCapability { return p.capab }

func (p *Paper) Connect(ctx context.Context) error {
	amount, _ := p.wallet.Totals()
	slog.Info("📝 Paper venue ready",
		slog.String("venue", p.name),
		slog.String("account", p.account),
		slog.String("balance", amount.String()))
	return nil
}

// UpdatePrice sets the market price and matches resting orders against it.
func (p *Paper) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.Remark(price)
	}
	var updates []domain.OrderReport
	for _, o := range p.orders {
		if o.intent.Symbol != symbol || o.report.Status.IsFinal() {
			continue
		}
		if p.match(o, price) {
			updates = append(updates, o.report)
		}
	}
	fn := p.onUpdate
	p.mu.Unlock()

	if fn != nil {
		for _, r := range updates {
			fn(r)
		}
	}
}

func (p *Paper) lev(symbol string) decimal.Decimal {
	if l, ok := p.leverage[symbol]; ok && l.IsPositive() {
		return l
	}
	return decimal.NewFromInt(1)
}

// match fills o if price satisfies it. Caller holds p.mu.
func (p *Paper) match(o *paperOrder, price decimal.Decimal) bool {
	in := o.intent
	buy := in.Side == domain.SideBuy

	if in.Type.NeedsStopPrice() && !o.triggered {
		if (buy && price.LessThan(in.StopPrice)) || (!buy && price.GreaterThan(in.StopPrice)) {
			return false
		}
		o.triggered = true
	}

	switch in.Type {
	case domain.OrderTypeMarket, domain.OrderTypeStop:
	default:
		if (buy && price.GreaterThan(in.LimitPrice)) || (!buy && price.LessThan(in.LimitPrice)) {
			return false
		}
	}

	p.fill(o, price)
	return true
}

// fill executes o in full at price. Caller holds p.mu.
func (p *Paper) fill(o *paperOrder, price decimal.Decimal) {
	p.seq++
	if o.reserved.IsPositive() {
		p.wallet.Release(o.reserved, p.seq)
		o.reserved = decimal.Zero
	}

	in := o.intent
	pos, ok := p.positions[in.Symbol]
	if !ok {
		pos = &domain.Position{Account: p.account, Venue: p.name, Symbol: in.Symbol}
		p.positions[in.Symbol] = pos
	}
	realized := pos.Apply(in.Side.Sign().Mul(in.Quantity), price)
	pos.Leverage = p.lev(in.Symbol)
	pos.Remark(price)
	pos.UpdatedAt = time.Now()

	if realized.IsPositive() {
		p.wallet.Credit(realized, p.seq)
	} else if realized.IsNegative() {
		loss := realized.Neg()
		if err := p.wallet.Debit(loss, p.seq); err != nil {
			// Loss exceeds free funds: the account is wiped out.
			_ = p.wallet.Debit(p.wallet.Available(), p.seq)
		}
	}

	o.report.Status = domain.VenueStatusFilled
	o.report.FilledQty = in.Quantity
	o.report.AvgPrice = price
	o.report.UpdatedAt = time.Now()

	slog.Info("PAPER EXECUTION: Order Filled",
		slog.String("venue", p.name),
		slog.String("id", o.report.VenueOrderID),
		slog.String("symbol", in.Symbol),
		slog.String("side", string(in.Side)),
		slog.String("price", price.String()),
		slog.String("qty", in.Quantity.String()))
}

// usedMargin sums position margin. Caller holds p.mu.
func (p *Paper) usedMargin() (used, unrealized decimal.Decimal) {
	for _, pos := range p.positions {
		if pos.IsFlat() {
			continue
		}
		used = used.Add(pos.MarginUsed())
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	return used, unrealized
}

// increases reports whether a signed quantity grows the position's exposure.
func increases(pos *domain.Position, signed decimal.Decimal) bool {
	return pos == nil || pos.NetQty.IsZero() || pos.NetQty.Sign() == signed.Sign() ||
		signed.Abs().GreaterThan(pos.NetQty.Abs())
}

func (p *Paper) PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderReport{}, err
	}
	p.mu.Lock()

	if id, dup := p.byClient[clientOrderID]; dup {
		p.mu.Unlock()
		return domain.OrderReport{}, domain.Rejected(p.name, "place_order", "duplicate_client_id", "client order id used by "+id)
	}

	price, havePrice := p.prices[intent.Symbol]
	refPrice := intent.LimitPrice
	if !refPrice.IsPositive() {
		refPrice = intent.StopPrice
	}
	if !refPrice.IsPositive() {
		refPrice = price
	}
	if !refPrice.IsPositive() {
		p.mu.Unlock()
		return domain.OrderReport{}, domain.Rejected(p.name, "place_order", "no_price", "no market price for "+intent.Symbol)
	}

	pos := p.positions[intent.Symbol]
	signed := intent.Side.Sign().Mul(intent.Quantity)
	if intent.ReduceOnly && increases(pos, signed) {
		p.mu.Unlock()
		return domain.OrderReport{}, domain.Rejected(p.name, "place_order", "reduce_only", "order would increase position")
	}

	margin := decimal.Zero
	if increases(pos, signed) {
		margin = intent.Quantity.Mul(refPrice).Div(p.lev(intent.Symbol))
		used, unrealized := p.usedMargin()
		amount, reserved := p.wallet.Totals()
		free := amount.Add(unrealized).Sub(used).Sub(reserved)
		if free.LessThan(margin) {
			p.mu.Unlock()
			return domain.OrderReport{}, domain.Rejected(p.name, "place_order", "insufficient_margin",
				fmt.Sprintf("need %s, free %s", margin.StringFixed(2), free.StringFixed(2)))
		}
	}

	o := &paperOrder{
		intent: intent,
		report: domain.OrderReport{
			VenueOrderID:  "paper-" + uuid.NewString(),
			ClientOrderID: clientOrderID,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Status:        domain.VenueStatusNew,
			Quantity:      intent.Quantity,
			UpdatedAt:     time.Now(),
		},
	}
	p.orders[o.report.VenueOrderID] = o
	p.byClient[clientOrderID] = o.report.VenueOrderID

	if !(havePrice && p.match(o, price)) && margin.IsPositive() {
		p.seq++
		if err := p.wallet.Reserve(margin, p.seq); err == nil {
			o.reserved = margin
		}
	}
	rep := o.report
	p.mu.Unlock()
	return rep, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[venueOrderID]
	if !ok {
		return domain.NewCallError(domain.KindNotFound, p.name, "cancel_order", venueOrderID, nil)
	}
	if o.report.Status.IsFinal() {
		return domain.Rejected(p.name, "cancel_order", "order_final", "order already "+string(o.report.Status))
	}
	p.seq++
	p.wallet.Release(o.reserved, p.seq)
	o.reserved = decimal.Zero
	o.report.Status = domain.VenueStatusCancelled
	o.report.UpdatedAt = time.Now()
	slog.Info("PAPER EXECUTION: Order Canceled", slog.String("venue", p.name), slog.String("id", venueOrderID))
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[venueOrderID]
	if !ok {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, p.name, "order_status", venueOrderID, nil)
	}
	return o.report, nil
}

func (p *Paper) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, p.name, "order_by_client_id", clientOrderID, nil)
	}
	return p.orders[id].report, nil
}

func (p *Paper) GetBalance(ctx context.Context) (domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	used, unrealized := p.usedMargin()
	amount, reserved := p.wallet.Totals()
	return domain.Balance{
		Account:       p.account,
		Venue:         p.name,
		Currency:      p.wallet.Currency,
		WalletBalance: amount,
		Available:     amount.Add(unrealized).Sub(used).Sub(reserved),
		UsedMargin:    used,
		UnrealizedPnL: unrealized,
		UpdatedAt:     time.Now(),
	}, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if !pos.IsFlat() {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	if pos, ok := p.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	return nil
}

func (p *Paper) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, domain.NewCallError(domain.KindNotFound, p.name, "price", symbol, nil)
	}
	return px, nil
}

// ClosePosition flattens symbol with an opposite reduce-only market order.
func (p *Paper) ClosePosition(ctx context.Context, symbol string) error {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	var qty decimal.Decimal
	var side domain.Side
	if ok && !pos.IsFlat() {
		qty = pos.NetQty.Abs()
		side = domain.SideSell
		if pos.IsShort() {
			side = domain.SideBuy
		}
	}
	p.mu.Unlock()
	if qty.IsZero() {
		return nil
	}

	_, err := p.PlaceOrder(ctx, domain.OrderIntent{
		Account:        p.account,
		Venue:          p.name,
		Symbol:         symbol,
		Side:           side,
		Type:           domain.OrderTypeMarket,
		Quantity:       qty,
		ReduceOnly:     true,
		IdempotencyKey: "close-" + uuid.NewString(),
	}, "close-"+uuid.NewString())
	return err
}

func (p *Paper) Close() error { return nil }

func (p *Paper) SetOrderUpdateHandler(fn func(domain.OrderReport)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// PushActive is always false so resting paper orders are also polled.
func (p *Paper) PushActive() bool { return false }

var (
	_ Broker      = (*Paper)(nil)
	_ OrderPusher = (*Paper)(nil)
)
