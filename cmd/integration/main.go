package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/engine"
	"exec_core/internal/event"
	"exec_core/internal/execution"
	"exec_core/internal/idempotency"
	"exec_core/internal/infra"
	"exec_core/internal/ledger"

	"github.com/shopspring/decimal"
)

// integration places a far-from-market limit order on one DEMO venue
// through the full engine, resubmits it with the same key, then cancels it.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	venueName := flag.String("venue", "bitget", "venue to exercise")
	symbol := flag.String("symbol", "BTCUSDT", "symbol")
	qty := flag.String("qty", "0.001", "order quantity")
	price := flag.String("price", "10000", "limit price, far below market")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	slog.Info("🚀 Starting venue integration run...", slog.String("venue", *venueName))

	// 1. Config, forced to DEMO
	path := *configPath
	if path == "" {
		path = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		fail("load config", err)
	}
	cfg.Trading.Mode = infra.ModeDemo
	if sec, err := infra.LoadSecretConfig("secrets/demo.yaml"); err == nil {
		cfg.ApplySecrets(sec)
	} else {
		slog.Warn("no secrets/demo.yaml; relying on env credentials", slog.Any("error", err))
	}
	vc, ok := cfg.Venues[*venueName]
	if !ok {
		fail("venue", fmt.Errorf("%q not configured", *venueName))
	}

	// 2. One guarded venue, in-memory registry and ledger
	guard := infra.NewGuard(cfg.Policies(), nil, nil)
	factory := execution.NewFactory(cfg, guard)
	raw, err := factory.Build(*venueName, vc)
	if err != nil {
		fail("build venue", err)
	}
	g := execution.NewGuarded(raw, guard)
	// Ensure the client wipes its keys on exit
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := g.Connect(ctx); err != nil {
		fail("connect", err)
	}

	venues := execution.NewRegistry()
	if err := venues.Add(g); err != nil {
		fail("register venue", err)
	}
	bus := event.NewBus()
	bus.AddNotifier(event.NewLogNotifier(nil))
	eng := engine.New(engine.Deps{
		Venues:   venues,
		Registry: idempotency.NewRegistry(idempotency.NewMemoryStore(), time.Hour),
		Ledger:   ledger.New(ledger.WithPublisher(bus)),
		Bus:      bus,
	}, engine.Config{PollInterval: time.Second})
	defer eng.Close()
	eng.AttachPush(g)

	intent := domain.OrderIntent{
		Account:        vc.Account,
		Venue:          *venueName,
		Symbol:         *symbol,
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Quantity:       decimal.RequireFromString(*qty),
		LimitPrice:     decimal.RequireFromString(*price),
		IdempotencyKey: fmt.Sprintf("it-%d", time.Now().Unix()),
	}

	// 3. Place
	slog.Info("STEP 1: Placing Order...", slog.String("key", intent.IdempotencyKey), slog.String("price", intent.LimitPrice.String()))
	handle, err := eng.SubmitOrder(ctx, intent)
	if err != nil {
		fail("submit", err)
	}
	o, _ := eng.GetOrderState(ctx, handle)
	slog.Info("✅ Order Placed Successfully", slog.String("handle", string(handle)), slog.String("venue_order_id", o.VenueOrderID))

	// 4. Same key again must not place a second order
	slog.Info("STEP 2: Resubmitting same key...")
	again, err := eng.SubmitOrder(ctx, intent)
	if err != nil && !errors.Is(err, engine.ErrInFlight) {
		fail("resubmit", err)
	}
	if again != handle {
		fail("resubmit", fmt.Errorf("got handle %s, want %s", again, handle))
	}
	slog.Info("✅ Duplicate suppressed")

	time.Sleep(2 * time.Second)

	// 5. Cancel
	slog.Info("STEP 3: Canceling Order...")
	if err := eng.CancelOrder(ctx, handle); err != nil {
		fail("cancel", err)
	}
	o, _ = eng.GetOrderState(ctx, handle)
	if !o.State.IsTerminal() {
		fail("cancel", fmt.Errorf("order still %s", o.State))
	}
	slog.Info("✅ Order Canceled Successfully", slog.String("state", o.State.String()))
	slog.Info("🎉 Integration Run Passed!")
}

func fail(step string, err error) {
	slog.Error("❌ "+step+" failed", slog.Any("error", err))
	os.Exit(1)
}
