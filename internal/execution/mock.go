package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"exec_core/internal/domain"

	"github.com/shopspring/decimal"
)

// Operation names understood by Mock's failure scripting.
const (
	OpConnect       = "connect"
	OpPlace         = "place_order"
	OpCancel        = "cancel_order"
	OpStatus        = "order_status"
	OpByClientID    = "order_by_client_id"
	OpBalance       = "balance"
	OpPositions     = "positions"
	OpSetLeverage   = "set_leverage"
	OpPrice         = "price"
	OpClosePosition = "close_position"
)

type scripted struct {
	err   error
	after bool // perform the operation, then fail
}

// Mock is a scriptable in-memory Broker for tests and dry runs. It only
// records what it is asked to do; order progress is driven by the caller.
type Mock struct {
	mu        sync.Mutex
	name      string
	account   string
	capab     domain.BrokerCapability
	seq       int
	orders    map[string]domain.OrderReport // by venue order id
	byClient  map[string]string
	balance   domain.Balance
	positions []domain.Position
	prices    map[string]decimal.Decimal
	leverage  map[string]decimal.Decimal
	script    map[string][]scripted
	calls     map[string]int
	onUpdate  func(domain.OrderReport)
	push      bool

	// AutoFill fills market orders in full at the current price on placement.
	AutoFill bool
}

// NewMock creates a mock venue. Native client ids are on; use SetCapability
// to model a venue without them.
func NewMock(name, account string) *Mock {
	return &Mock{
		name:    name,
		account: account,
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
		},
		orders:   make(map[string]domain.OrderReport),
		byClient: make(map[string]string),
		prices:   make(map[string]decimal.Decimal),
		leverage: make(map[string]decimal.Decimal),
		script:   make(map[string][]scripted),
		calls:    make(map[string]int),
		balance:  domain.Balance{Account: account, Venue: name, Currency: "USDT"},
	}
}

// SetCapability replaces the declared capability.
func (m *Mock) SetCapability(c domain.BrokerCapability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Venue = m.name
	m.capab = c
}

// FailNext makes the next calls of op fail with errs, in order, without
// performing the operation.
func (m *Mock) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range errs {
		m.script[op] = append(m.script[op], scripted{err: e})
	}
}

// SucceedThenFail makes the next call of op take effect at the venue and then
// report err, as when a response is lost after the venue accepted it.
func (m *Mock) SucceedThenFail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[op] = append(m.script[op], scripted{err: err, after: true})
}

// Calls returns how many times op was invoked.
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// OrderCount returns how many distinct orders exist at the venue.
func (m *Mock) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *Mock) SetBalance(b domain.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Account, b.Venue = m.account, m.name
	m.balance = b
}

func (m *Mock) SetPositions(ps []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append([]domain.Position(nil), ps...)
}

func (m *Mock) SetPrice(symbol string, px decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = px
}

// Progress changes an order at the venue, as a matching engine would.
func (m *Mock) Progress(venueOrderID string, status domain.VenueStatus, filled, avg decimal.Decimal) domain.OrderReport {
	m.mu.Lock()
	rep := m.orders[venueOrderID]
	rep.Status = status
	rep.FilledQty = filled
	rep.AvgPrice = avg
	rep.UpdatedAt = time.Now()
	m.orders[venueOrderID] = rep
	m.mu.Unlock()
	return rep
}

// Push delivers rep to the registered update handler.
func (m *Mock) Push(rep domain.OrderReport) {
	m.mu.Lock()
	fn := m.onUpdate
	m.mu.Unlock()
	if fn != nil {
		fn(rep)
	}
}

// SetPushActive toggles what PushActive reports.
func (m *Mock) SetPushActive(on bool) {
	m.mu.Lock()
	m.push = on
	m.mu.Unlock()
}

// enter counts the call and pops a scripted failure. Caller holds m.mu.
func (m *Mock) enter(op string) (scripted, bool) {
	m.calls[op]++
	q := m.script[op]
	if len(q) == 0 {
		return scripted{}, false
	}
	m.script[op] = q[1:]
	return q[0], true
}

func (m *Mock) Name() string    { return m.name }
func (m *Mock) Account() string { return m.account }

func (m *Mock) Capability() domain.BrokerCapability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capab
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpConnect); ok {
		return s.err
	}
	return nil
}

func (m *Mock) PlaceOrder(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.OrderReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, failing := m.enter(OpPlace)
	if failing && !s.after {
		return domain.OrderReport{}, s.err
	}
	if id, dup := m.byClient[clientOrderID]; dup && m.capab.NativeClientOrderID {
		return domain.OrderReport{}, domain.Rejected(m.name, OpPlace, "duplicate_client_id", "client order id already used by "+id)
	}

	m.seq++
	rep := domain.OrderReport{
		VenueOrderID:  fmt.Sprintf("%s-%d", m.name, m.seq),
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        domain.VenueStatusNew,
		Quantity:      intent.Quantity,
		UpdatedAt:     time.Now(),
	}
	if px, ok := m.prices[intent.Symbol]; ok && m.AutoFill && intent.Type == domain.OrderTypeMarket {
		rep.Status = domain.VenueStatusFilled
		rep.FilledQty = intent.Quantity
		rep.AvgPrice = px
	}
	m.orders[rep.VenueOrderID] = rep
	m.byClient[clientOrderID] = rep.VenueOrderID

	slog.Debug("MOCK EXECUTION: Submit Order",
		slog.String("venue", m.name),
		slog.String("symbol", intent.Symbol),
		slog.String("client_order_id", clientOrderID))

	if failing {
		return domain.OrderReport{}, s.err
	}
	return rep, nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, failing := m.enter(OpCancel)
	if failing && !s.after {
		return s.err
	}
	rep, ok := m.orders[venueOrderID]
	if !ok {
		return domain.NewCallError(domain.KindNotFound, m.name, OpCancel, venueOrderID, nil)
	}
	if rep.Status.IsFinal() {
		return domain.Rejected(m.name, OpCancel, "order_final", string(rep.Status))
	}
	rep.Status = domain.VenueStatusCancelled
	rep.UpdatedAt = time.Now()
	m.orders[venueOrderID] = rep
	if failing {
		return s.err
	}
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (domain.OrderReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpStatus); ok {
		return domain.OrderReport{}, s.err
	}
	rep, ok := m.orders[venueOrderID]
	if !ok {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, m.name, OpStatus, venueOrderID, nil)
	}
	return rep, nil
}

func (m *Mock) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.OrderReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpByClientID); ok {
		return domain.OrderReport{}, s.err
	}
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return domain.OrderReport{}, domain.NewCallError(domain.KindNotFound, m.name, OpByClientID, clientOrderID, nil)
	}
	return m.orders[id], nil
}

func (m *Mock) GetBalance(ctx context.Context) (domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpBalance); ok {
		return domain.Balance{}, s.err
	}
	b := m.balance
	b.UpdatedAt = time.Now()
	return b, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpPositions); ok {
		return nil, s.err
	}
	return append([]domain.Position(nil), m.positions...), nil
}

func (m *Mock) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpSetLeverage); ok {
		return s.err
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *Mock) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpPrice); ok {
		return decimal.Zero, s.err
	}
	px, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, domain.NewCallError(domain.KindNotFound, m.name, OpPrice, symbol, nil)
	}
	return px, nil
}

func (m *Mock) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.enter(OpClosePosition); ok {
		return s.err
	}
	kept := m.positions[:0]
	for _, p := range m.positions {
		if p.Symbol != symbol {
			kept = append(kept, p)
		}
	}
	m.positions = kept
	return nil
}

func (m *Mock) Close() error { return nil }

func (m *Mock) SetOrderUpdateHandler(fn func(domain.OrderReport)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

func (m *Mock) PushActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.push
}

var (
	_ Broker      = (*Mock)(nil)
	_ OrderPusher = (*Mock)(nil)
)
