package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"
	"exec_core/internal/execution"
	"exec_core/internal/idempotency"
	"exec_core/internal/infra"
	"exec_core/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memArchive struct {
	mu     sync.Mutex
	orders map[domain.OrderHandle]domain.ManagedOrder
}

func newMemArchive() *memArchive {
	return &memArchive{orders: make(map[domain.OrderHandle]domain.ManagedOrder)}
}

func (a *memArchive) Archive(_ context.Context, o domain.ManagedOrder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders[o.Handle] = o
	return nil
}

func (a *memArchive) Load(_ context.Context, h domain.OrderHandle) (domain.ManagedOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[h]
	if !ok {
		return domain.ManagedOrder{}, errors.New("not archived")
	}
	return o, nil
}

type harness struct {
	mock    *execution.Mock
	guarded *execution.Guarded
	venues  *execution.Registry
	reg     *idempotency.Registry
	ledger  *ledger.Ledger
	bus     *event.Bus
	archive *memArchive
	cfg     Config
	eng     *Engine
}

func fastGuard() *infra.Guard {
	return infra.NewGuard(map[string]infra.VenuePolicy{
		"mock": {
			Retry:       infra.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
			Breaker:     infra.BreakerSpec{FailureThreshold: 5, Window: time.Minute, CoolDown: 50 * time.Millisecond},
			Limit:       infra.LimitSpec{PerSecond: 10000, Burst: 1000, QueueSize: 1000},
			CallTimeout: time.Second,
		},
	}, nil, nil)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		mock:    execution.NewMock("mock", "acc-1"),
		venues:  execution.NewRegistry(),
		reg:     idempotency.NewRegistry(idempotency.NewMemoryStore(), time.Hour),
		bus:     event.NewBus(),
		archive: newMemArchive(),
		cfg:     cfg,
	}
	h.ledger = ledger.New(ledger.WithPublisher(h.bus))
	h.guarded = execution.NewGuarded(h.mock, fastGuard())
	require.NoError(t, h.venues.Add(h.guarded))
	h.eng = h.newEngine(t)
	return h
}

func (h *harness) newEngine(t *testing.T) *Engine {
	e := New(Deps{
		Venues:   h.venues,
		Registry: h.reg,
		Ledger:   h.ledger,
		Bus:      h.bus,
		Archive:  h.archive,
	}, h.cfg)
	t.Cleanup(e.Close)
	return e
}

func fastConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond}
}

func btcLimit(key string) domain.OrderIntent {
	return domain.OrderIntent{
		Account:        "acc-1",
		Venue:          "mock",
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Quantity:       d("0.01"),
		LimitPrice:     d("50000"),
		IdempotencyKey: key,
	}
}

func transient() error {
	return domain.Transient("mock", "place_order", errors.New("i/o timeout"))
}

func waitState(t *testing.T, e *Engine, h domain.OrderHandle, want domain.OrderState) domain.ManagedOrder {
	t.Helper()
	var got domain.ManagedOrder
	require.Eventually(t, func() bool {
		o, err := e.GetOrderState(context.Background(), h)
		if err != nil {
			return false
		}
		got = o
		return o.State == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s (last %s)", h, want, got.State)
	return got
}

func TestSubmitOrder_ConcurrentSameKeyPlacesOnce(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()

	const n = 12
	handles := make([]domain.OrderHandle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = h.eng.SubmitOrder(ctx, btcLimit("abc-1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrInFlight)
		}
		assert.Equal(t, handles[0], handles[i], "all callers resolve to one order")
	}
	assert.Equal(t, 1, h.mock.Calls(execution.OpPlace))
	assert.Equal(t, 1, h.mock.OrderCount())

	o := waitState(t, h.eng, handles[0], domain.StateAcknowledged)
	assert.Equal(t, "mock-1", o.VenueOrderID)
	assert.Len(t, h.eng.OpenOrders(), 1)

	rec, err := h.reg.Get(ctx, "acc-1", "mock", "abc-1")
	require.NoError(t, err)
	assert.Equal(t, "submitted:mock-1", rec.Outcome.String())
}

func TestSubmitOrder_BTCUSDTScenario(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	var h1, h2 domain.OrderHandle
	wg.Add(2)
	go func() { defer wg.Done(); h1, _ = h.eng.SubmitOrder(ctx, btcLimit("abc-1")) }()
	go func() { defer wg.Done(); h2, _ = h.eng.SubmitOrder(ctx, btcLimit("abc-1")) }()
	wg.Wait()

	require.Equal(t, h1, h2)
	o1 := waitState(t, h.eng, h1, domain.StateAcknowledged)
	o2, err := h.eng.GetOrderState(ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, o1.VenueOrderID, o2.VenueOrderID)
	assert.Equal(t, 1, h.mock.OrderCount())

	acks := 0
	for _, tr := range o1.Transitions {
		if tr.State == domain.StateAcknowledged {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

func TestSubmitOrder_TimeoutAfterSuccess(t *testing.T) {
	for _, native := range []bool{true, false} {
		t.Run(fmt.Sprintf("native=%v", native), func(t *testing.T) {
			h := newHarness(t, Config{PollInterval: time.Hour})
			c := h.mock.Capability()
			c.NativeClientOrderID = native
			h.mock.SetCapability(c)
			h.mock.SucceedThenFail(execution.OpPlace, transient())

			handle, err := h.eng.SubmitOrder(context.Background(), btcLimit("t-1"))
			require.NoError(t, err)

			o := waitState(t, h.eng, handle, domain.StateAcknowledged)
			assert.Equal(t, 1, h.mock.OrderCount(), "venue must hold exactly one order")
			assert.Equal(t, "mock-1", o.VenueOrderID)
			assert.Equal(t, 1, o.RetryCount)
		})
	}
}

func TestSubmitOrder_RejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()
	h.mock.FailNext(execution.OpPlace, domain.Rejected("mock", "place_order", "40762", "insufficient balance"))

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("r-1"))
	require.ErrorIs(t, err, domain.ErrRejected)
	o := waitState(t, h.eng, handle, domain.StateRejected)
	assert.Equal(t, 1, h.mock.Calls(execution.OpPlace))
	assert.Equal(t, 0, o.RetryCount)

	rec, err := h.reg.Get(ctx, "acc-1", "mock", "r-1")
	require.NoError(t, err)
	assert.Equal(t, "failed:REJECTED:40762", rec.Outcome.String())

	// a failed outcome does not bind the key
	again, err := h.eng.SubmitOrder(ctx, btcLimit("r-1"))
	require.NoError(t, err)
	assert.NotEqual(t, handle, again)
	waitState(t, h.eng, again, domain.StateAcknowledged)
}

func TestSubmitOrder_TransientExhausted(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()
	h.mock.FailNext(execution.OpPlace, transient(), transient(), transient())

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("x-1"))
	require.ErrorIs(t, err, domain.ErrTransient)
	o := waitState(t, h.eng, handle, domain.StateFailed)
	assert.Equal(t, 2, o.RetryCount)
	assert.NotEmpty(t, o.LastError)

	rec, err := h.reg.Get(ctx, "acc-1", "mock", "x-1")
	require.NoError(t, err)
	assert.Equal(t, "failed:transient-exhausted", rec.Outcome.String())
}

func TestSubmitOrder_ValidationRejectsBeforeVenue(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	bad := btcLimit("v-1")
	bad.Quantity = decimal.Zero

	handle, err := h.eng.SubmitOrder(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	o := waitState(t, h.eng, handle, domain.StateRejected)
	assert.Equal(t, 0, h.mock.Calls(execution.OpPlace))

	states := make([]domain.OrderState, 0, len(o.Transitions))
	for _, tr := range o.Transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []domain.OrderState{domain.StateIntake, domain.StateValidating, domain.StateRejected}, states)

	wrongAccount := btcLimit("v-2")
	wrongAccount.Account = "acc-2"
	_, err = h.eng.SubmitOrder(context.Background(), wrongAccount)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
}

func TestSubmitOrder_PendingKeyIsInFlight(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()
	_, err := h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "p-1", "other-handle")
	require.NoError(t, err)

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("p-1"))
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, domain.OrderHandle("other-handle"), handle)
	assert.Equal(t, 0, h.mock.Calls(execution.OpPlace))
}

func TestSubmitOrder_StalePendingResolvedAtVenue(t *testing.T) {
	ctx := context.Background()

	t.Run("abandoned", func(t *testing.T) {
		h := newHarness(t, Config{PollInterval: time.Hour, PendingTimeout: time.Millisecond})
		_, err := h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "o-1", "dead-handle")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		handle, err := h.eng.SubmitOrder(ctx, btcLimit("o-1"))
		require.NoError(t, err)
		assert.NotEqual(t, domain.OrderHandle("dead-handle"), handle)
		waitState(t, h.eng, handle, domain.StateAcknowledged)
		assert.Equal(t, 1, h.mock.OrderCount())
	})

	t.Run("landed", func(t *testing.T) {
		h := newHarness(t, Config{PollInterval: time.Hour, PendingTimeout: time.Millisecond})
		claim, err := h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "o-2", "dead-handle")
		require.NoError(t, err)
		// the dead process got its order to the venue before it died
		_, err = h.mock.PlaceOrder(ctx, btcLimit("o-2"), domain.ClientOrderID(claim.Record.Key, 64))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		handle, err := h.eng.SubmitOrder(ctx, btcLimit("o-2"))
		require.NoError(t, err)
		assert.Equal(t, domain.OrderHandle("dead-handle"), handle)
		o := waitState(t, h.eng, handle, domain.StateAcknowledged)
		assert.Equal(t, "mock-1", o.VenueOrderID)
		assert.Equal(t, 1, h.mock.OrderCount())
	})
}

func TestRunJanitor_ResolvesStalePendingClaims(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, PendingTimeout: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "gone-1", "dead-1")
	require.NoError(t, err)
	landed, err := h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "landed-1", "dead-2")
	require.NoError(t, err)
	_, err = h.mock.PlaceOrder(ctx, btcLimit("landed-1"), domain.ClientOrderID(landed.Record.Key, 64))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	go h.eng.RunJanitor(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := h.reg.Get(ctx, "acc-1", "mock", "gone-1")
		return err == nil && rec.Outcome.String() == "failed:abandoned"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := h.reg.Get(ctx, "acc-1", "mock", "landed-1")
		return err == nil && rec.Outcome.Status == domain.OutcomeSubmitted
	}, time.Second, 5*time.Millisecond)

	o := waitState(t, h.eng, "dead-2", domain.StateAcknowledged)
	assert.Equal(t, "mock-1", o.VenueOrderID)
	assert.Equal(t, "BTCUSDT", o.Intent.Symbol)
	assert.Equal(t, 1, h.mock.Calls(execution.OpPlace))
	assert.Equal(t, 1, h.mock.OrderCount())
}

func TestResolveStale_SkipsLiveOwner(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, PendingTimeout: time.Millisecond})
	ctx := context.Background()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("live-1"))
	require.NoError(t, err)
	waitState(t, h.eng, handle, domain.StateAcknowledged)

	// a pending claim whose handle is still being worked
	_, err = h.reg.Claim(ctx, "acc-1", "mock", "BTCUSDT", "held-1", handle)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 0, h.eng.resolveStale(ctx))
	assert.Equal(t, 0, h.mock.Calls(execution.OpByClientID))
	rec, err := h.reg.Get(ctx, "acc-1", "mock", "held-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePending, rec.Outcome.Status)
}

func TestSubmitOrder_AdoptsAfterRestart(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("re-1"))
	require.NoError(t, err)
	waitState(t, h.eng, handle, domain.StateAcknowledged)
	h.eng.Close()

	restarted := h.newEngine(t)
	again, err := restarted.SubmitOrder(ctx, btcLimit("re-1"))
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	assert.Equal(t, 1, h.mock.Calls(execution.OpPlace))

	h.mock.Progress("mock-1", domain.VenueStatusFilled, d("0.01"), d("50000"))
	o := waitState(t, restarted, handle, domain.StateFilled)
	assert.True(t, o.FilledQty.Equal(d("0.01")))
}

func TestPolling_FillsReachLedger(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	fills, cancel := h.bus.Subscribe("acc-1", 64)
	defer cancel()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("f-1"))
	require.NoError(t, err)
	waitState(t, h.eng, handle, domain.StateAcknowledged)

	h.mock.Progress("mock-1", domain.VenueStatusPartiallyFilled, d("0.004"), d("50000"))
	o := waitState(t, h.eng, handle, domain.StatePartiallyFilled)
	assert.True(t, o.FilledQty.Equal(d("0.004")))

	h.mock.Progress("mock-1", domain.VenueStatusFilled, d("0.01"), d("50060"))
	o = waitState(t, h.eng, handle, domain.StateFilled)
	assert.True(t, o.AvgFillPrice.Equal(d("50060")))

	pos, ok := h.ledger.Position(domain.PositionKey{Account: "acc-1", Venue: "mock", Symbol: "BTCUSDT"})
	require.True(t, ok)
	assert.True(t, pos.NetQty.Equal(d("0.01")), pos.NetQty.String())
	assert.True(t, pos.AvgEntryPrice.Equal(d("50060")), pos.AvgEntryPrice.String())

	n := 0
	for len(fills) > 0 {
		if _, ok := (<-fills).(*event.FillEvent); ok {
			n++
		}
	}
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		archived, err := h.archive.Load(ctx, handle)
		return err == nil && archived.State == domain.StateFilled
	}, time.Second, 5*time.Millisecond)
}

func TestCancelOrder_Idempotent(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("c-1"))
	require.NoError(t, err)
	waitState(t, h.eng, handle, domain.StateAcknowledged)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.eng.CancelOrder(ctx, handle))
		}()
	}
	wg.Wait()

	waitState(t, h.eng, handle, domain.StateCancelled)
	assert.NoError(t, h.eng.CancelOrder(ctx, handle), "cancel of a terminal order is a no-op success")
	assert.Equal(t, 1, h.mock.Calls(execution.OpCancel))
}

func TestCancelOrder_FilledFirst(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("c-2"))
	require.NoError(t, err)
	h.mock.Progress("mock-1", domain.VenueStatusFilled, d("0.01"), d("49900"))

	require.NoError(t, h.eng.CancelOrder(ctx, handle))
	o := waitState(t, h.eng, handle, domain.StateFilled)
	assert.True(t, o.FilledQty.Equal(d("0.01")))

	_, err = h.eng.GetOrderState(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
	assert.ErrorIs(t, h.eng.CancelOrder(ctx, "nope"), ErrUnknownOrder)
}

func TestPush_StaleUpdatesIgnored(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour})
	ctx := context.Background()
	h.mock.SetPushActive(true)
	h.eng.AttachPush(h.guarded)

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("p-2"))
	require.NoError(t, err)
	o := waitState(t, h.eng, handle, domain.StateAcknowledged)

	push := func(status domain.VenueStatus, filled, avg string) {
		h.mock.Push(domain.OrderReport{
			VenueOrderID:  o.VenueOrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        "BTCUSDT",
			Side:          domain.SideBuy,
			Status:        status,
			Quantity:      d("0.01"),
			FilledQty:     d(filled),
			AvgPrice:      d(avg),
		})
	}

	push(domain.VenueStatusPartiallyFilled, "0.006", "50000")
	waitState(t, h.eng, handle, domain.StatePartiallyFilled)

	push(domain.VenueStatusPartiallyFilled, "0.002", "50000") // older
	push(domain.VenueStatusNew, "0", "0")                     // older still
	push(domain.VenueStatusFilled, "0.01", "50000")
	o = waitState(t, h.eng, handle, domain.StateFilled)
	assert.True(t, o.FilledQty.Equal(d("0.01")))

	push(domain.VenueStatusCancelled, "0.01", "50000") // after terminal
	time.Sleep(20 * time.Millisecond)
	o, _ = h.eng.GetOrderState(ctx, handle)
	assert.Equal(t, domain.StateFilled, o.State)

	pos, _ := h.ledger.Position(domain.PositionKey{Account: "acc-1", Venue: "mock", Symbol: "BTCUSDT"})
	assert.True(t, pos.NetQty.Equal(d("0.01")))
}

func TestEvict_FallsBackToArchive(t *testing.T) {
	h := newHarness(t, Config{PollInterval: time.Hour, Retention: time.Nanosecond})
	ctx := context.Background()

	handle, err := h.eng.SubmitOrder(ctx, btcLimit("e-1"))
	require.NoError(t, err)
	require.NoError(t, h.eng.CancelOrder(ctx, handle))
	waitState(t, h.eng, handle, domain.StateCancelled)

	require.Eventually(t, func() bool { return h.eng.evict() == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, h.eng.lookup(handle))

	o, err := h.eng.GetOrderState(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, o.State)
	assert.NoError(t, h.eng.CancelOrder(ctx, handle))

	// a submitted key whose order is archived as terminal keeps its handle
	again, err := h.eng.SubmitOrder(ctx, btcLimit("e-1"))
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	assert.Equal(t, 1, h.mock.Calls(execution.OpPlace))
}
