package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"
	"exec_core/pkg/safe"

	"github.com/shopspring/decimal"
)

// Source is the read side of a broker. *execution.Guarded satisfies it.
type Source interface {
	Name() string
	Account() string
	GetBalance(ctx context.Context) (domain.Balance, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
}

// MarkSource supplies mark prices the venue leaves out. *ledger.Ledger
// satisfies it.
type MarkSource interface {
	Position(key domain.PositionKey) (domain.Position, bool)
}

// Bus is where snapshots and alerts go. *event.Bus satisfies it.
type Bus interface {
	event.Publisher
	Subscribe(account string, buffer int) (<-chan event.Event, func())
}

// RatioGauge is satisfied by *infra.Metrics.
type RatioGauge interface {
	SetMarginRatio(account, venue string, ratio float64)
}

// Config tunes the monitor.
type Config struct {
	Interval        time.Duration
	SustainInterval time.Duration // re-alert period while a tier holds
	StaleAfter      time.Duration // failure window before DataStale
	Tiers           domain.TierThresholds
}

// DefaultConfig returns 10s polls, 5m reminders and a 30s stale window.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		SustainInterval: 5 * time.Minute,
		StaleAfter:      30 * time.Second,
		Tiers:           domain.DefaultTierThresholds(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.SustainInterval <= 0 {
		c.SustainInterval = d.SustainInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.Interval
	}
	if c.Tiers.Warn.IsZero() && c.Tiers.High.IsZero() && c.Tiers.Critical.IsZero() {
		c.Tiers = d.Tiers
	}
	return c
}

// Monitor polls margin health for each watched (account, venue). It only
// reads; nothing it does changes orders or positions.
type Monitor struct {
	cfg   Config
	marks MarkSource
	bus   Bus
	gauge RatioGauge
	now   func() time.Time

	mu      sync.RWMutex
	watches map[string]*watch
}

// New creates a monitor. marks, bus and gauge may be nil.
func New(cfg Config, marks MarkSource, bus Bus, gauge RatioGauge) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		marks:   marks,
		bus:     bus,
		gauge:   gauge,
		now:     time.Now,
		watches: make(map[string]*watch),
	}
}

// Watch registers src for polling. Each (account, venue) is watched once.
func (m *Monitor) Watch(src Source) error {
	key := src.Account() + "/" + src.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[key]; ok {
		return fmt.Errorf("margin monitor already watching %s", key)
	}
	m.watches[key] = &watch{src: src, account: src.Account(), venue: src.Name(), freshAt: m.now()}
	return nil
}

// Run polls every watch on its own goroutine until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.RLock()
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.RUnlock()

	slog.Info("Margin monitor started",
		slog.Int("targets", len(watches)),
		slog.Duration("interval", m.cfg.Interval))

	var wg sync.WaitGroup
	for _, w := range watches {
		wg.Add(1)
		go func(w *watch) {
			defer wg.Done()
			m.loop(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, w *watch) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		_, _ = m.check(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one poll for (account, venue) and returns the resulting
// snapshot. On a venue failure the last snapshot is returned with the error.
func (m *Monitor) Check(ctx context.Context, account, venue string) (domain.MarginSnapshot, error) {
	w, err := m.watch(account, venue)
	if err != nil {
		return domain.MarginSnapshot{}, err
	}
	return m.check(ctx, w)
}

// Latest returns the most recent snapshot, stale or not.
func (m *Monitor) Latest(account, venue string) (domain.MarginSnapshot, bool) {
	w, err := m.watch(account, venue)
	if err != nil {
		return domain.MarginSnapshot{}, false
	}
	return w.latest()
}

// Subscribe streams snapshots and alerts for account ("" for all).
func (m *Monitor) Subscribe(account string) (<-chan event.Event, func()) {
	if m.bus == nil {
		ch := make(chan event.Event)
		close(ch)
		return ch, func() {}
	}
	return m.bus.Subscribe(account, 64)
}

func (m *Monitor) watch(account, venue string) (*watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[account+"/"+venue]
	if !ok {
		return nil, fmt.Errorf("margin monitor not watching %s/%s", account, venue)
	}
	return w, nil
}

// check is serialized per watch so alert state sees polls in order.
func (m *Monitor) check(ctx context.Context, w *watch) (domain.MarginSnapshot, error) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	now := m.now()
	snap, err := m.read(ctx, w, now)
	if err != nil {
		m.onFailure(w, now, err)
		last, _ := w.latest()
		return last, err
	}

	if w.stale {
		slog.Info("Margin data fresh again",
			slog.String("account", w.account),
			slog.String("venue", w.venue),
			slog.Duration("stale_for", now.Sub(w.freshAt)))
		w.stale = false
	}
	w.freshAt = now
	w.store(snap)

	if m.gauge != nil {
		ratio, _ := snap.MarginRatio.Float64()
		m.gauge.SetMarginRatio(w.account, w.venue, ratio)
	}
	m.publish(event.NewMarginSnapshot(snap))
	m.evaluate(w, snap, now)
	return snap, nil
}

// evaluate fires tier alerts. Only an upward move alerts; a held 90% tier is
// re-announced every SustainInterval; a drop is silent but lowers the
// reference so the next rise alerts again.
func (m *Monitor) evaluate(w *watch, snap domain.MarginSnapshot, now time.Time) {
	tier := snap.Tier
	switch {
	case tier > w.tier:
		m.alertTier(w, snap, false)
		w.alertedAt = now
	case tier == w.tier && tier == domain.Tier90 && now.Sub(w.alertedAt) >= m.cfg.SustainInterval:
		m.alertTier(w, snap, true)
		w.alertedAt = now
	case tier < w.tier:
		slog.Info("Margin tier lowered",
			slog.String("account", w.account),
			slog.String("venue", w.venue),
			slog.String("from", w.tier.String()),
			slog.String("to", tier.String()))
	}
	w.tier = tier
}

func (m *Monitor) alertTier(w *watch, snap domain.MarginSnapshot, repeat bool) {
	m.publish(event.NewAlert(domain.Alert{
		Kind:    domain.AlertMarginTier,
		Account: w.account,
		Venue:   w.venue,
		Tier:    snap.Tier,
		Message: fmt.Sprintf("margin ratio %s%% (used %s / equity %s)",
			snap.MarginRatio.Mul(decimal.NewFromInt(100)).StringFixed(2), snap.UsedMargin, snap.Equity),
		At:     snap.At,
		Repeat: repeat,
	}))
}

func (m *Monitor) onFailure(w *watch, now time.Time, err error) {
	slog.Warn("margin poll failed",
		slog.String("account", w.account),
		slog.String("venue", w.venue),
		slog.Any("error", err))
	if w.stale || now.Sub(w.freshAt) < m.cfg.StaleAfter {
		return
	}
	w.stale = true
	last, ok := w.latest()
	if ok {
		last = last.WithStale()
		w.store(last)
		m.publish(event.NewMarginSnapshot(last))
	}
	m.publish(event.NewAlert(domain.Alert{
		Kind:    domain.AlertDataStale,
		Account: w.account,
		Venue:   w.venue,
		Message: fmt.Sprintf("no margin data for %s: %v", now.Sub(w.freshAt).Round(time.Second), err),
		At:      now,
	}))
}

func (m *Monitor) publish(ev event.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// read builds a snapshot from the venue. Positions without a venue mark
// take the ledger's.
func (m *Monitor) read(ctx context.Context, w *watch, now time.Time) (domain.MarginSnapshot, error) {
	bal, err := w.src.GetBalance(ctx)
	if err != nil {
		return domain.MarginSnapshot{}, err
	}
	positions, err := w.src.GetPositions(ctx)
	if err != nil {
		return domain.MarginSnapshot{}, err
	}

	unrealized := decimal.Zero
	for i := range positions {
		p := &positions[i]
		if p.Account == "" {
			p.Account = w.account
		}
		if p.Venue == "" {
			p.Venue = w.venue
		}
		if p.MarkPrice.IsZero() && m.marks != nil {
			if lp, ok := m.marks.Position(p.Key()); ok && lp.MarkPrice.IsPositive() {
				p.MarkPrice = lp.MarkPrice
				if p.UnrealizedPnL.IsZero() && p.AvgEntryPrice.IsPositive() {
					p.UnrealizedPnL = p.MarkPrice.Sub(p.AvgEntryPrice).Mul(p.NetQty)
				}
			}
		}
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	equity := bal.Equity()
	if bal.UnrealizedPnL.IsZero() {
		equity = bal.WalletBalance.Add(unrealized)
	}
	ratio := safe.Ratio(bal.UsedMargin, equity, decimal.NewFromInt(1))
	if bal.UsedMargin.IsZero() {
		ratio = decimal.Zero
	}

	return domain.MarginSnapshot{
		Account:               w.account,
		Venue:                 w.venue,
		At:                    now,
		WalletBalance:         bal.WalletBalance,
		UsedMargin:            bal.UsedMargin,
		Equity:                equity,
		MarginRatio:           ratio,
		DistanceToLiquidation: distanceToLiquidation(positions),
		Tier:                  m.cfg.Tiers.TierFor(ratio),
		Positions:             positions,
	}, nil
}

// distanceToLiquidation is the smallest |mark - liq| / mark across
// positions that report both. Zero means unknown.
func distanceToLiquidation(positions []domain.Position) decimal.Decimal {
	var best decimal.Decimal
	found := false
	for _, p := range positions {
		if p.IsFlat() || !p.MarkPrice.IsPositive() || !p.LiquidationPrice.IsPositive() {
			continue
		}
		d := p.MarkPrice.Sub(p.LiquidationPrice).Abs().Div(p.MarkPrice)
		if !found || d.LessThan(best) {
			best, found = d, true
		}
	}
	return best
}

// watch is the per-target state. Fields below pollMu belong to whichever
// poll holds it.
type watch struct {
	src     Source
	account string
	venue   string

	pollMu    sync.Mutex
	tier      domain.AlertTier
	alertedAt time.Time
	freshAt   time.Time
	stale     bool

	snapMu sync.RWMutex
	snap   *domain.MarginSnapshot
}

func (w *watch) store(s domain.MarginSnapshot) {
	w.snapMu.Lock()
	w.snap = &s
	w.snapMu.Unlock()
}

func (w *watch) latest() (domain.MarginSnapshot, bool) {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	if w.snap == nil {
		return domain.MarginSnapshot{}, false
	}
	return *w.snap, true
}
