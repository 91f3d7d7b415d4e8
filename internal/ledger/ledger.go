package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"

	"github.com/shopspring/decimal"
)

// maxRemembered bounds the fill-id dedupe window.
const maxRemembered = 100_000

// Journal persists a fill before it is applied (WAL-first).
type Journal interface {
	Append(ctx context.Context, seq uint64, f domain.Fill) error
}

// Entry is one journaled fill.
type Entry struct {
	Seq  uint64      `json:"seq"`
	Fill domain.Fill `json:"fill"`
}

// Snapshot is the serializable ledger state at Seq.
type Snapshot struct {
	Seq       uint64            `json:"seq"`
	TakenAt   time.Time         `json:"taken_at"`
	Positions []domain.Position `json:"positions"`
	FillIDs   []string          `json:"fill_ids"`
}

// FillCounter is satisfied by *infra.Metrics.
type FillCounter interface {
	IncFill(venue string)
}

// Drift is a disagreement between the ledger and a venue snapshot.
type Drift struct {
	Symbol    string
	LedgerQty decimal.Decimal
	VenueQty  decimal.Decimal
}

// Ledger is the system's own record of positions per (account, venue,
// symbol). Quantities change only through ApplyFill; venue snapshots can
// raise drift alerts but never overwrite them.
type Ledger struct {
	mu        sync.RWMutex
	positions map[domain.PositionKey]*domain.Position
	seen      map[string]struct{}
	order     []string
	seq       uint64

	journal   Journal
	pub       event.Publisher
	fills     FillCounter
	tolerance decimal.Decimal
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithJournal(j Journal) Option             { return func(l *Ledger) { l.journal = j } }
func WithPublisher(p event.Publisher) Option   { return func(l *Ledger) { l.pub = p } }
func WithFillCounter(c FillCounter) Option     { return func(l *Ledger) { l.fills = c } }
func WithTolerance(tol decimal.Decimal) Option { return func(l *Ledger) { l.tolerance = tol.Abs() } }

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		positions: make(map[domain.PositionKey]*domain.Position),
		seen:      make(map[string]struct{}),
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func validateFill(f domain.Fill) error {
	switch {
	case f.FillID == "":
		return domain.NewCallError(domain.KindInvalidIntent, f.Venue, "apply_fill", "fill id required", nil)
	case f.Account == "" || f.Venue == "" || f.Symbol == "":
		return domain.NewCallError(domain.KindInvalidIntent, f.Venue, "apply_fill", "fill must name account, venue and symbol", nil)
	case f.Side != domain.SideBuy && f.Side != domain.SideSell:
		return domain.NewCallError(domain.KindInvalidIntent, f.Venue, "apply_fill", fmt.Sprintf("unknown side %q", f.Side), nil)
	case !f.Qty.IsPositive():
		return domain.NewCallError(domain.KindInvalidQuantity, f.Venue, "apply_fill", "fill qty must be positive", nil)
	case !f.Price.IsPositive():
		return domain.NewCallError(domain.KindInvalidIntent, f.Venue, "apply_fill", "fill price must be positive", nil)
	}
	return nil
}

// ApplyFill applies f once. A fill id seen before returns the current
// position with applied=false. When a journal is configured the fill is
// persisted first; a journal error leaves the ledger untouched.
func (l *Ledger) ApplyFill(ctx context.Context, f domain.Fill) (pos domain.Position, applied bool, err error) {
	if err := validateFill(f); err != nil {
		return domain.Position{}, false, err
	}
	if f.At.IsZero() {
		f.At = l.now()
	}
	key := domain.PositionKey{Account: f.Account, Venue: f.Venue, Symbol: f.Symbol}

	l.mu.Lock()
	if _, dup := l.seen[f.FillID]; dup {
		p := l.snapshotOf(key)
		l.mu.Unlock()
		slog.Debug("duplicate fill ignored", slog.String("fill_id", f.FillID))
		return p, false, nil
	}

	seq := l.seq + 1
	if l.journal != nil {
		if err := l.journal.Append(ctx, seq, f); err != nil {
			l.mu.Unlock()
			return domain.Position{}, false, fmt.Errorf("journal fill %s: %w", f.FillID, err)
		}
	}
	realized := l.apply(key, f)
	l.seq = seq
	p := l.snapshotOf(key)
	l.mu.Unlock()

	slog.Info("fill applied",
		slog.String("account", f.Account),
		slog.String("venue", f.Venue),
		slog.String("symbol", f.Symbol),
		slog.String("side", string(f.Side)),
		slog.String("qty", f.Qty.String()),
		slog.String("price", f.Price.String()),
		slog.String("net_qty", p.NetQty.String()),
		slog.String("realized", realized.String()))

	if l.fills != nil {
		l.fills.IncFill(f.Venue)
	}
	if l.pub != nil {
		l.pub.Publish(event.NewFill(f, p))
	}
	return p, true, nil
}

// apply mutates the position. Caller holds l.mu.
func (l *Ledger) apply(key domain.PositionKey, f domain.Fill) decimal.Decimal {
	p, ok := l.positions[key]
	if !ok {
		p = &domain.Position{Account: key.Account, Venue: key.Venue, Symbol: key.Symbol}
		l.positions[key] = p
	}
	realized := p.Apply(f.SignedQty(), f.Price)
	mark := p.MarkPrice
	if mark.IsZero() {
		mark = f.Price
	}
	p.Remark(mark)
	p.UpdatedAt = f.At
	l.remember(f.FillID)
	return realized
}

func (l *Ledger) remember(id string) {
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > maxRemembered {
		evict := len(l.order) - maxRemembered
		for _, old := range l.order[:evict] {
			delete(l.seen, old)
		}
		l.order = append([]string(nil), l.order[evict:]...)
	}
}

func (l *Ledger) snapshotOf(key domain.PositionKey) domain.Position {
	if p, ok := l.positions[key]; ok {
		return *p
	}
	return domain.Position{Account: key.Account, Venue: key.Venue, Symbol: key.Symbol}
}

// Mark updates the mark price and unrealized PnL of an existing position.
func (l *Ledger) Mark(account, venue, symbol string, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[domain.PositionKey{Account: account, Venue: venue, Symbol: symbol}]
	if !ok {
		return false
	}
	p.Remark(price)
	p.UpdatedAt = l.now()
	return true
}

// Position returns a copy of one position.
func (l *Ledger) Position(key domain.PositionKey) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions returns copies of the non-flat positions of (account, venue),
// sorted by symbol.
func (l *Ledger) Positions(account, venue string) []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0)
	for k, p := range l.positions {
		if k.Account == account && k.Venue == venue && !p.IsFlat() {
			out = append(out, *p)
		}
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Position) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

// Seq returns the sequence number of the last applied fill.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Reconcile compares a venue's positions for (account, venue) against the
// ledger. Quantities that differ by more than the tolerance produce a Drift
// and a PositionDrift alert. Mark, leverage and liquidation price reported by
// the venue are copied onto ledger positions; quantities are never touched.
func (l *Ledger) Reconcile(account, venue string, reported []domain.Position) []Drift {
	byVenue := make(map[string]domain.Position, len(reported))
	for _, p := range reported {
		byVenue[p.Symbol] = p
	}

	var drifts []Drift
	now := l.now()

	l.mu.Lock()
	symbols := make(map[string]struct{})
	for k := range l.positions {
		if k.Account == account && k.Venue == venue {
			symbols[k.Symbol] = struct{}{}
		}
	}
	for s := range byVenue {
		symbols[s] = struct{}{}
	}

	for sym := range symbols {
		key := domain.PositionKey{Account: account, Venue: venue, Symbol: sym}
		vp, onVenue := byVenue[sym]
		local, inLedger := l.positions[key]

		ledgerQty := decimal.Zero
		if inLedger {
			ledgerQty = local.NetQty
			if onVenue {
				if vp.MarkPrice.IsPositive() {
					local.Remark(vp.MarkPrice)
				}
				if vp.Leverage.IsPositive() {
					local.Leverage = vp.Leverage
				}
				if vp.LiquidationPrice.IsPositive() {
					local.LiquidationPrice = vp.LiquidationPrice
				}
				local.UpdatedAt = now
			}
		}
		venueQty := decimal.Zero
		if onVenue {
			venueQty = vp.NetQty
		}
		if ledgerQty.Sub(venueQty).Abs().GreaterThan(l.tolerance) {
			drifts = append(drifts, Drift{Symbol: sym, LedgerQty: ledgerQty, VenueQty: venueQty})
		}
	}
	l.mu.Unlock()

	slices.SortFunc(drifts, func(a, b Drift) int { return strings.Compare(a.Symbol, b.Symbol) })
	for _, d := range drifts {
		slog.Warn("position drift detected",
			slog.String("account", account),
			slog.String("venue", venue),
			slog.String("symbol", d.Symbol),
			slog.String("ledger_qty", d.LedgerQty.String()),
			slog.String("venue_qty", d.VenueQty.String()))
		if l.pub != nil {
			l.pub.Publish(event.NewAlert(domain.Alert{
				Kind:    domain.AlertPositionDrift,
				Account: account,
				Venue:   venue,
				Symbol:  d.Symbol,
				Message: fmt.Sprintf("ledger=%s venue=%s", d.LedgerQty, d.VenueQty),
				At:      now,
			}))
		}
	}
	return drifts
}

// Snapshot captures the full ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{
		Seq:       l.seq,
		TakenAt:   l.now(),
		Positions: make([]domain.Position, 0, len(l.positions)),
		FillIDs:   append([]string(nil), l.order...),
	}
	for _, p := range l.positions {
		s.Positions = append(s.Positions, *p)
	}
	slices.SortFunc(s.Positions, func(a, b domain.Position) int {
		return strings.Compare(a.Account+"/"+a.Venue+"/"+a.Symbol, b.Account+"/"+b.Venue+"/"+b.Symbol)
	})
	return s
}

// Restore replaces the ledger state with s.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[domain.PositionKey]*domain.Position, len(s.Positions))
	for i := range s.Positions {
		p := s.Positions[i]
		l.positions[p.Key()] = &p
	}
	l.seen = make(map[string]struct{}, len(s.FillIDs))
	l.order = nil
	for _, id := range s.FillIDs {
		l.remember(id)
	}
	l.seq = s.Seq
}

// Replay applies journaled entries newer than the current sequence without
// journaling them again. Entries must be in ascending Seq order.
func (l *Ledger) Replay(entries []Entry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.Seq <= l.seq {
			continue
		}
		if e.Seq != l.seq+1 {
			return n, fmt.Errorf("replay gap: expected seq %d, got %d", l.seq+1, e.Seq)
		}
		if err := validateFill(e.Fill); err != nil {
			return n, fmt.Errorf("replay seq %d: %w", e.Seq, err)
		}
		if _, dup := l.seen[e.Fill.FillID]; !dup {
			key := domain.PositionKey{Account: e.Fill.Account, Venue: e.Fill.Venue, Symbol: e.Fill.Symbol}
			l.apply(key, e.Fill)
			n++
		}
		l.seq = e.Seq
	}
	return n, nil
}
