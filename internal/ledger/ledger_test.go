package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string, side domain.Side, qty, price string) domain.Fill {
	return domain.Fill{
		FillID:       id,
		Account:      "acc-1",
		Venue:        "bitget",
		Symbol:       "BTCUSDT",
		VenueOrderID: "v-1",
		Side:         side,
		Qty:          d(qty),
		Price:        d(price),
		At:           time.Unix(1_700_000_000, 0),
	}
}

var btcKey = domain.PositionKey{Account: "acc-1", Venue: "bitget", Symbol: "BTCUSDT"}

type memJournal struct {
	mu      sync.Mutex
	entries []Entry
	fail    error
}

func (j *memJournal) Append(_ context.Context, seq uint64, f domain.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.entries = append(j.entries, Entry{Seq: seq, Fill: f})
	return nil
}

func TestApplyFill_WeightedAverageAndRealized(t *testing.T) {
	l := New()
	ctx := context.Background()

	_, _, err := l.ApplyFill(ctx, fill("f1", domain.SideBuy, "0.01", "50000"))
	require.NoError(t, err)
	pos, applied, err := l.ApplyFill(ctx, fill("f2", domain.SideBuy, "0.03", "54000"))
	require.NoError(t, err)
	require.True(t, applied)
	assert.True(t, pos.NetQty.Equal(d("0.04")))
	assert.True(t, pos.AvgEntryPrice.Equal(d("53000")), pos.AvgEntryPrice.String())

	pos, _, err = l.ApplyFill(ctx, fill("f3", domain.SideSell, "0.02", "55000"))
	require.NoError(t, err)
	assert.True(t, pos.NetQty.Equal(d("0.02")))
	assert.True(t, pos.RealizedPnL.Equal(d("40")), pos.RealizedPnL.String())
	assert.True(t, pos.AvgEntryPrice.Equal(d("53000")))
	assert.EqualValues(t, 3, l.Seq())
}

func TestApplyFill_DedupesByFillID(t *testing.T) {
	l := New()
	ctx := context.Background()
	f := fill("same", domain.SideBuy, "1", "100")

	_, applied, err := l.ApplyFill(ctx, f)
	require.NoError(t, err)
	require.True(t, applied)
	pos, applied, err := l.ApplyFill(ctx, f)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, pos.NetQty.Equal(d("1")))
	assert.EqualValues(t, 1, l.Seq())
}

func TestApplyFill_Validation(t *testing.T) {
	l := New()
	bad := fill("x", domain.SideBuy, "0", "100")
	_, _, err := l.ApplyFill(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	bad = fill("", domain.SideBuy, "1", "100")
	_, _, err = l.ApplyFill(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
}

func TestApplyFill_JournalFirst(t *testing.T) {
	j := &memJournal{}
	l := New(WithJournal(j))
	ctx := context.Background()

	_, _, err := l.ApplyFill(ctx, fill("f1", domain.SideBuy, "1", "100"))
	require.NoError(t, err)

	j.fail = errors.New("disk full")
	_, applied, err := l.ApplyFill(ctx, fill("f2", domain.SideBuy, "1", "100"))
	require.Error(t, err)
	assert.False(t, applied)

	pos, _ := l.Position(btcKey)
	assert.True(t, pos.NetQty.Equal(d("1")), "failed journal write must not change the ledger")
	assert.Len(t, j.entries, 1)
	assert.EqualValues(t, 1, j.entries[0].Seq)
}

func TestApplyFill_ConcurrentDuplicates(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.ApplyFill(context.Background(), fill("dup", domain.SideBuy, "1", "100"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	pos, _ := l.Position(btcKey)
	assert.True(t, pos.NetQty.Equal(d("1")))
}

func TestMark_UpdatesUnrealized(t *testing.T) {
	l := New()
	_, _, err := l.ApplyFill(context.Background(), fill("f1", domain.SideSell, "2", "100"))
	require.NoError(t, err)

	assert.True(t, l.Mark("acc-1", "bitget", "BTCUSDT", d("90")))
	assert.False(t, l.Mark("acc-1", "bitget", "ETHUSDT", d("90")))

	pos, ok := l.Position(btcKey)
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(d("20")), pos.UnrealizedPnL.String())
}

func TestReconcile_DriftAlertWithoutOverwrite(t *testing.T) {
	bus := event.NewBus()
	alerts, cancel := bus.Subscribe("acc-1", 8)
	defer cancel()

	l := New(WithPublisher(bus), WithTolerance(d("0.0001")))
	_, _, err := l.ApplyFill(context.Background(), fill("f1", domain.SideBuy, "0.5", "50000"))
	require.NoError(t, err)
	for len(alerts) > 0 {
		<-alerts // fill event
	}

	venue := []domain.Position{
		{Account: "acc-1", Venue: "bitget", Symbol: "BTCUSDT", NetQty: d("0.3"), MarkPrice: d("51000"), Leverage: d("10")},
		{Account: "acc-1", Venue: "bitget", Symbol: "ETHUSDT", NetQty: d("1")},
	}
	drifts := l.Reconcile("acc-1", "bitget", venue)
	require.Len(t, drifts, 2)
	assert.Equal(t, "BTCUSDT", drifts[0].Symbol)
	assert.True(t, drifts[0].LedgerQty.Equal(d("0.5")))
	assert.True(t, drifts[0].VenueQty.Equal(d("0.3")))
	assert.Equal(t, "ETHUSDT", drifts[1].Symbol)

	pos, _ := l.Position(btcKey)
	assert.True(t, pos.NetQty.Equal(d("0.5")), "reconcile must not overwrite quantity")
	assert.True(t, pos.MarkPrice.Equal(d("51000")))
	assert.True(t, pos.Leverage.Equal(d("10")))
	_, ok := l.Position(domain.PositionKey{Account: "acc-1", Venue: "bitget", Symbol: "ETHUSDT"})
	assert.False(t, ok)

	got := 0
	for len(alerts) > 0 {
		ev := <-alerts
		a, ok := ev.(*event.AlertEvent)
		require.True(t, ok)
		assert.Equal(t, domain.AlertPositionDrift, a.Alert.Kind)
		got++
	}
	assert.Equal(t, 2, got)
}

func TestReconcile_WithinTolerance(t *testing.T) {
	l := New(WithTolerance(d("0.001")))
	_, _, err := l.ApplyFill(context.Background(), fill("f1", domain.SideBuy, "0.5", "50000"))
	require.NoError(t, err)
	drifts := l.Reconcile("acc-1", "bitget", []domain.Position{
		{Account: "acc-1", Venue: "bitget", Symbol: "BTCUSDT", NetQty: d("0.5005")},
	})
	assert.Empty(t, drifts)
}

func TestSnapshotRestoreReplay(t *testing.T) {
	j := &memJournal{}
	l := New(WithJournal(j))
	ctx := context.Background()
	_, _, err := l.ApplyFill(ctx, fill("f1", domain.SideBuy, "1", "100"))
	require.NoError(t, err)
	snap := l.Snapshot()
	_, _, err = l.ApplyFill(ctx, fill("f2", domain.SideBuy, "1", "200"))
	require.NoError(t, err)
	want, _ := l.Position(btcKey)

	restored := New()
	restored.Restore(snap)
	n, err := restored.Replay(j.entries)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entries at or below the snapshot seq are skipped")

	got, ok := restored.Position(btcKey)
	require.True(t, ok)
	assert.True(t, got.NetQty.Equal(want.NetQty))
	assert.True(t, got.AvgEntryPrice.Equal(d("150")))
	assert.EqualValues(t, 2, restored.Seq())

	// restored dedupe set still rejects f1
	_, applied, err := restored.ApplyFill(ctx, fill("f1", domain.SideBuy, "1", "100"))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReplay_Gap(t *testing.T) {
	l := New()
	_, err := l.Replay([]Entry{{Seq: 2, Fill: fill("f2", domain.SideBuy, "1", "1")}})
	assert.Error(t, err)
}

func TestPositions_SkipsFlat(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, _, _ = l.ApplyFill(ctx, fill("f1", domain.SideBuy, "1", "100"))
	_, _, _ = l.ApplyFill(ctx, fill("f2", domain.SideSell, "1", "110"))
	assert.Empty(t, l.Positions("acc-1", "bitget"))

	pos, ok := l.Position(btcKey)
	require.True(t, ok)
	assert.True(t, pos.RealizedPnL.Equal(d("10")))
}
