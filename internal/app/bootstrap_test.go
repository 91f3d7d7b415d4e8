package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"
	"exec_core/internal/execution"
	"exec_core/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paperConfig = `
app:
  name: exec-core
  version: test
trading:
  mode: paper
venues:
  paper:
    kind: paper
    account: acc-paper
    paper_balance: "100000"
    symbols:
      BTCUSDT:
        qty_step: "0.001"
        price_tick: "0.1"
idempotency:
  store: sqlite
engine:
  poll_interval: 10ms
monitor:
  interval: 20ms
storage:
  workspace_dir: %WORKSPACE%
logging:
  level: error
`

func writePaperConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	path := filepath.Join(dir, "config.yaml")
	body := []byte(strings.ReplaceAll(paperConfig, "%WORKSPACE%", ws))
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path, ws
}

func TestBootstrap_PaperLifecycle(t *testing.T) {
	t.Setenv("EXEC_SECRETS_FILE", "")
	cfgPath, ws := writePaperConfig(t)

	b := NewBootstrap()
	require.NoError(t, b.Initialize(context.Background(), cfgPath))
	assert.Equal(t, filepath.Join(ws, "paper"), b.Paths.Root)

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	handle, err := b.Engine.SubmitOrder(ctx, domain.OrderIntent{
		Account:        "acc-paper",
		Venue:          "paper",
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("0.01"),
		LimitPrice:     decimal.NewFromInt(50000),
		IdempotencyKey: "boot-1",
	})
	require.NoError(t, err)

	g, err := b.Venues.Get("paper")
	require.NoError(t, err)
	paper, ok := g.Inner().(*execution.Paper)
	require.True(t, ok)
	paper.UpdatePrice("BTCUSDT", decimal.NewFromInt(49990))

	require.Eventually(t, func() bool {
		mo, err := b.Engine.GetOrderState(ctx, handle)
		return err == nil && mo.State == domain.StateFilled
	}, 2*time.Second, 10*time.Millisecond)

	key := domain.PositionKey{Account: "acc-paper", Venue: "paper", Symbol: "BTCUSDT"}
	require.Eventually(t, func() bool {
		pos, ok := b.Ledger.Position(key)
		return ok && pos.NetQty.Equal(decimal.RequireFromString("0.01"))
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := b.Monitor.Latest("acc-paper", "paper")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, b.Shutdown())

	// Restart on the same workspace: the lock was released and the ledger
	// comes back from the shutdown snapshot.
	again := NewBootstrap()
	require.NoError(t, again.Initialize(context.Background(), cfgPath))
	t.Cleanup(func() { _ = again.Shutdown() })

	pos, ok := again.Ledger.Position(key)
	require.True(t, ok)
	assert.True(t, pos.NetQty.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(49990)), "avg %s", pos.AvgEntryPrice)

	// The idempotency key survived in SQLite and still maps to the same order.
	h2, err := again.Engine.SubmitOrder(context.Background(), domain.OrderIntent{
		Account:        "acc-paper",
		Venue:          "paper",
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("0.01"),
		LimitPrice:     decimal.NewFromInt(50000),
		IdempotencyKey: "boot-1",
	})
	require.NoError(t, err)
	assert.Equal(t, handle, h2)
}

func TestBootstrap_WorkspaceLocked(t *testing.T) {
	t.Setenv("EXEC_SECRETS_FILE", "")
	cfgPath, _ := writePaperConfig(t)

	first := NewBootstrap()
	require.NoError(t, first.Initialize(context.Background(), cfgPath))
	t.Cleanup(func() { _ = first.Shutdown() })

	second := NewBootstrap()
	err := second.Initialize(context.Background(), cfgPath)
	require.Error(t, err)
	_ = second.Shutdown()
}

func TestBootstrap_BreakerAlertCarriesVenueAccount(t *testing.T) {
	cfgPath, _ := writePaperConfig(t)
	cfg, err := infra.LoadConfig(cfgPath)
	require.NoError(t, err)

	b := &Bootstrap{Config: cfg, Bus: event.NewBus()}
	ch, cancel := b.Bus.Subscribe("acc-paper", 4)
	defer cancel()

	b.onBreakerChange("paper/order", infra.StateClosed, infra.StateOpen)

	select {
	case ev := <-ch:
		a, ok := ev.(*event.AlertEvent)
		require.True(t, ok)
		assert.Equal(t, domain.AlertCircuitOpen, a.Alert.Kind)
		assert.Equal(t, "acc-paper", a.Alert.Account)
		assert.Equal(t, "paper", a.Alert.Venue)
	case <-time.After(time.Second):
		t.Fatal("breaker alert not delivered to the venue's account")
	}
}
