package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/engine"
	"exec_core/internal/event"
	"exec_core/internal/execution"
	"exec_core/internal/failover"
	"exec_core/internal/idempotency"
	"exec_core/internal/infra"
	"exec_core/internal/ledger"
	"exec_core/internal/monitor"
	"exec_core/internal/storage"
)

const metaTradingMode = "trading_mode"

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Paths     infra.WorkspacePaths
	Metrics   *infra.Metrics
	Bus       *event.Bus
	Guard     *infra.Guard
	Venues    *execution.Registry
	Store     *storage.Store
	Snapshots *storage.SnapshotManager
	Registry  *idempotency.Registry
	Ledger    *ledger.Ledger
	Engine    *engine.Engine
	Monitor   *monitor.Monitor
	Prices    *failover.Router

	targets []failover.Target
	unlock  func()
	wg      sync.WaitGroup
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every component. Nothing runs
// in the background until Start.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config (Dynamic Path Resolution)
	if configPath == "" {
		configPath = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := loadSecrets(cfg); err != nil {
		return err
	}
	b.Config = cfg
	infra.SetUserAgent(infra.PlatformUserAgent(cfg.App.Name, cfg.App.Version))

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg.Logging, nil))
	slog.Info("🚀 Bootstrapping Order Execution Core...", slog.String("config", configPath))

	// 3. Workspace (per-mode data isolation) and singleton lock
	if b.Paths, err = infra.NewWorkspacePaths(infra.ResolveWorkspaceDir(cfg.Storage.WorkspaceDir), cfg.Trading.Mode); err != nil {
		return err
	}
	if b.unlock, err = b.Paths.Lock(); err != nil {
		return err
	}

	// 4. Observability and the resilience layer
	b.Metrics = infra.NewMetrics()
	b.Bus = event.NewBus()
	b.Bus.AddNotifier(event.NewLogNotifier(nil))
	b.Bus.SetAlertCounter(b.Metrics)
	b.Guard = infra.NewGuard(cfg.Policies(), b.Metrics, b.onBreakerChange)

	// 5. Venues
	b.Venues, err = execution.NewFactory(cfg, b.Guard).BuildAll()
	if err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.Venues.ConnectAll(connectCtx); err != nil {
		return fmt.Errorf("connect venues: %w", err)
	}
	slog.Info("✅ Venues connected", slog.Any("venues", b.Venues.ListVenues()))

	// 6. Storage
	if err := b.openStorage(ctx); err != nil {
		return err
	}

	// 7. Ledger (snapshot + journal replay)
	if err := b.restoreLedger(ctx); err != nil {
		return err
	}

	// 8. Order engine
	b.Engine = engine.New(engine.Deps{
		Venues:   b.Venues,
		Registry: b.Registry,
		Ledger:   b.Ledger,
		Bus:      b.Bus,
		Archive:  b.Store.Orders(),
		Metrics:  b.Metrics,
	}, engine.Config{
		PollInterval:    cfg.Engine.PollInterval,
		LaneConcurrency: cfg.Engine.LaneConcurrency,
		PendingTimeout:  cfg.Engine.PendingTimeout,
		Retention:       cfg.Engine.Retention,
	})
	for _, g := range b.Venues.All() {
		b.Engine.AttachPush(g)
	}

	// 9. Margin monitor and price failover
	if err := b.buildMonitor(); err != nil {
		return err
	}
	b.buildPrices()

	slog.Info("✅ Execution core initialized",
		slog.String("mode", cfg.Trading.Mode),
		slog.String("workspace", b.Paths.Root),
		slog.String("idempotency_store", cfg.Idempotency.Store))
	return nil
}

// loadSecrets fills credentials from secrets/<mode>.yaml when present.
func loadSecrets(cfg *infra.Config) error {
	path := os.Getenv("EXEC_SECRETS_FILE")
	if path == "" {
		path = filepath.Join("secrets", strings.ToLower(cfg.Trading.Mode)+".yaml")
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	sec, err := infra.LoadSecretConfig(path)
	if err != nil {
		return err
	}
	cfg.ApplySecrets(sec)
	return nil
}

func (b *Bootstrap) openStorage(ctx context.Context) error {
	st, err := storage.Open(b.Paths.DB)
	if err != nil {
		return err
	}
	b.Store = st
	b.Snapshots = storage.NewSnapshotManager(b.Paths.Snapshots)

	mode := b.Config.Trading.Mode
	prev, err := st.GetMetadata(ctx, metaTradingMode)
	if err != nil {
		return err
	}
	if prev != "" && prev != mode {
		return fmt.Errorf("database %s belongs to %s mode, not %s", b.Paths.DB, prev, mode)
	}
	if err := st.UpsertMetadata(ctx, metaTradingMode, mode, time.Now().UnixMicro()); err != nil {
		return err
	}

	var records idempotency.Store = idempotency.NewMemoryStore()
	if b.Config.Idempotency.Store == "sqlite" {
		records = st.Idempotency()
	}
	b.Registry = idempotency.NewRegistry(records, b.Config.Idempotency.TTL)
	slog.Info("✅ Storage ready (WAL-mode)", slog.String("path", b.Paths.DB))
	return nil
}

func (b *Bootstrap) restoreLedger(ctx context.Context) error {
	b.Ledger = ledger.New(
		ledger.WithJournal(b.Store.Fills()),
		ledger.WithPublisher(b.Bus),
		ledger.WithFillCounter(b.Metrics),
		ledger.WithTolerance(b.Config.Ledger.DriftTolerance),
	)

	var from uint64
	snap, err := b.Snapshots.LoadLatest()
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}
	if snap != nil {
		b.Ledger.Restore(*snap)
		from = snap.Seq
		slog.Info("📦 Ledger snapshot loaded",
			slog.Uint64("seq", snap.Seq),
			slog.Int("positions", len(snap.Positions)))
	}

	entries, err := b.Store.Fills().Load(ctx, from)
	if err != nil {
		return err
	}
	n, err := b.Ledger.Replay(entries)
	if err != nil {
		return fmt.Errorf("replay fill journal: %w", err)
	}
	slog.Info("✅ Ledger recovered", slog.Int("replayed", n), slog.Uint64("seq", b.Ledger.Seq()))
	return nil
}

func (b *Bootstrap) buildMonitor() error {
	cfg := b.Config
	b.Monitor = monitor.New(monitor.Config{
		Interval:        cfg.Monitor.Interval,
		SustainInterval: cfg.Monitor.SustainInterval,
		StaleAfter:      cfg.Monitor.StaleAfter,
		Tiers:           cfg.Monitor.Tiers,
	}, b.Ledger, b.Bus, b.Metrics)

	targets := cfg.Monitor.Targets
	if len(targets) == 0 {
		for _, g := range b.Venues.All() {
			targets = append(targets, infra.MonitorTarget{Account: g.Account(), Venue: g.Name()})
		}
	}
	for _, t := range targets {
		g, err := b.Venues.Lookup(t.Account, t.Venue)
		if err != nil {
			return fmt.Errorf("monitor target %s/%s: %w", t.Account, t.Venue, err)
		}
		if err := b.Monitor.Watch(g); err != nil {
			return err
		}
		b.targets = append(b.targets, failover.Target{Account: t.Account, Venue: t.Venue})
	}
	return nil
}

func (b *Bootstrap) buildPrices() {
	names := b.Config.Failover.PriceProviders
	if len(names) == 0 {
		names = b.Venues.ListVenues()
	}
	providers := make([]failover.Provider, 0, len(names))
	for _, n := range names {
		g, err := b.Venues.Get(n)
		if err != nil {
			continue
		}
		providers = append(providers, g)
	}
	b.Prices = failover.NewRouter(b.Guard, providers...)
}

// onBreakerChange turns a breaker opening into a CircuitOpen alert.
func (b *Bootstrap) onBreakerChange(name string, from, to infra.State) {
	if to != infra.StateOpen {
		return
	}
	venue, class := name, ""
	if i := strings.LastIndex(name, "/"); i >= 0 {
		venue, class = name[:i], name[i+1:]
	}
	b.Bus.Publish(event.NewAlert(domain.Alert{
		Kind:    domain.AlertCircuitOpen,
		Account: b.Config.Venues[venue].Account,
		Venue:   venue,
		Message: fmt.Sprintf("%s breaker %s -> %s", class, from, to),
		At:      time.Now(),
	}))
}

// Start launches the background tasks. They stop when ctx is done; call
// Shutdown afterwards.
func (b *Bootstrap) Start(ctx context.Context) {
	cfg := b.Config
	b.goRun(func() { b.Registry.RunSweeper(ctx, cfg.Idempotency.SweepInterval) })
	b.goRun(func() { b.Engine.RunJanitor(ctx, cfg.Engine.JanitorInterval) })
	b.goRun(func() { b.Monitor.Run(ctx) })
	b.goRun(func() { b.Prices.RunMarks(ctx, b.Ledger, b.targets, cfg.Failover.MarkInterval) })
	b.goRun(func() { b.runReconcile(ctx, cfg.Ledger.ReconcileInterval) })
	b.goRun(func() { b.runSnapshots(ctx, cfg.Storage.SnapshotInterval) })
	b.goRun(func() { b.runPaperFeed(ctx, cfg.Failover.MarkInterval) })
	slog.Info("✅ Background tasks started")
}

func (b *Bootstrap) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// runReconcile compares venue positions against the ledger. Drift is
// reported by the ledger; nothing is overwritten.
func (b *Bootstrap) runReconcile(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range b.targets {
				g, err := b.Venues.Lookup(t.Account, t.Venue)
				if err != nil {
					continue
				}
				reported, err := g.GetPositions(ctx)
				if err != nil {
					slog.Warn("reconcile skipped", slog.String("venue", t.Venue), slog.Any("error", err))
					continue
				}
				b.Ledger.Reconcile(t.Account, t.Venue, reported)
			}
		}
	}
}

// runPaperFeed drives paper venues with prices quoted by the other
// providers so resting paper orders can match.
func (b *Bootstrap) runPaperFeed(ctx context.Context, interval time.Duration) {
	type feed struct {
		name    string
		paper   *execution.Paper
		symbols []string
	}
	var feeds []feed
	for _, g := range b.Venues.All() {
		p, ok := g.Inner().(*execution.Paper)
		if !ok {
			continue
		}
		f := feed{name: g.Name(), paper: p}
		for sym := range b.Config.Venues[g.Name()].Symbols {
			f.symbols = append(f.symbols, sym)
		}
		if len(f.symbols) > 0 {
			feeds = append(feeds, f)
		}
	}
	if len(feeds) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, f := range feeds {
				for _, sym := range f.symbols {
					q, err := b.Prices.Price(ctx, sym)
					if err != nil || q.Provider == f.name {
						continue
					}
					f.paper.UpdatePrice(sym, q.Price)
				}
			}
		}
	}
}

func (b *Bootstrap) runSnapshots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.saveSnapshot(ctx); err != nil {
				slog.Error("ledger snapshot failed", slog.Any("error", err))
			}
		}
	}
}

// saveSnapshot writes the ledger to disk, then drops the journal it covers.
func (b *Bootstrap) saveSnapshot(ctx context.Context) error {
	snap := b.Ledger.Snapshot()
	path, err := b.Snapshots.Save(snap)
	if err != nil {
		return err
	}
	if _, err := b.Store.Fills().Truncate(ctx, snap.Seq); err != nil {
		return err
	}
	if err := b.Snapshots.Cleanup(b.Config.Storage.SnapshotKeep); err != nil {
		slog.Warn("snapshot cleanup failed", slog.Any("error", err))
	}
	slog.Debug("ledger snapshot saved", slog.String("path", path), slog.Uint64("seq", snap.Seq))
	return nil
}

// Shutdown waits for background tasks, stops order owners, snapshots the
// ledger and releases resources. Open orders stay open at their venues.
func (b *Bootstrap) Shutdown() error {
	b.wg.Wait()
	if b.Engine != nil {
		b.Engine.Close()
	}

	var errs []error
	if b.Ledger != nil && b.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.saveSnapshot(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		} else {
			slog.Info("💾 Final ledger snapshot saved", slog.Uint64("seq", b.Ledger.Seq()))
		}
		cancel()
	}
	if b.Venues != nil {
		b.Venues.CloseAll()
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.unlock != nil {
		b.unlock()
	}
	return errors.Join(errs...)
}
