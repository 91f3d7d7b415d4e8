package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"
	"exec_core/internal/execution"
)

// pushPollDivisor slows polling while a push stream is healthy.
const pushPollDivisor = 5

type cmdKind int

const (
	cmdCancel cmdKind = iota + 1
	cmdPush
)

type command struct {
	kind   cmdKind
	ctx    context.Context
	report domain.OrderReport
	reply  chan error
}

// owner is the single goroutine allowed to mutate one ManagedOrder.
// Everyone else reads the copy published in view.
type owner struct {
	e      *Engine
	broker *execution.Guarded
	order  *domain.ManagedOrder
	rec    domain.IdempotencyRecord
	ctx    context.Context

	inbox     chan command
	view      atomic.Pointer[domain.ManagedOrder]
	submitted chan struct{} // closed once the submission outcome is known
	submitErr error         // valid after submitted is closed
	done      chan struct{} // closed when the owner exits
}

func (e *Engine) newOwner(o *domain.ManagedOrder, broker *execution.Guarded) *owner {
	return &owner{
		e:         e,
		broker:    broker,
		order:     o,
		ctx:       e.ctx,
		inbox:     make(chan command, e.cfg.InboxSize),
		submitted: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// View returns the latest published copy of the order.
func (ow *owner) View() domain.ManagedOrder {
	if v := ow.view.Load(); v != nil {
		return *v
	}
	return domain.ManagedOrder{}
}

// run is the owner loop. It must be the only goroutine touching ow.order.
func (ow *owner) run(ctx context.Context, submit bool) {
	defer ow.e.wg.Done()
	defer close(ow.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED",
				slog.String("handle", string(ow.order.Handle)),
				slog.Any("panic", r))
			ow.dumpState()
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()
	if submit {
		ow.submit(ctx)
		close(ow.submitted)
	} else {
		ow.poll(ctx)
	}

	ticker := time.NewTicker(ow.e.cfg.PollInterval)
	defer ticker.Stop()
	ticks := 0

	for !ow.order.State.IsTerminal() {
		select {
		case <-ctx.Done():
			return
		case cmd := <-ow.inbox:
			ow.handle(cmd)
		case <-ticker.C:
			ticks++
			if ow.broker.PushActive() && ticks%pushPollDivisor != 0 {
				continue
			}
			ow.poll(ctx)
		}
	}

	// Answer whatever was queued while the order finished.
	for {
		select {
		case cmd := <-ow.inbox:
			ow.handle(cmd)
		default:
			return
		}
	}
}

func (ow *owner) handle(cmd command) {
	switch cmd.kind {
	case cmdCancel:
		cmd.reply <- ow.cancel(cmd.ctx)
	case cmdPush:
		ow.apply(cmd.report, "push")
	}
}

// submit sends the order once (with the resilience layer's retries) and
// records the outcome in the idempotency registry.
func (ow *owner) submit(ctx context.Context) {
	o := ow.order
	release, err := ow.e.lanes.acquire(ctx, o.Intent.Account, o.Intent.Venue)
	if err != nil {
		ow.failSubmission(ctx, err)
		return
	}
	sub, err := ow.broker.Submit(ctx, o.Intent, o.ClientOrderID)
	release()

	if sub.Attempts > 1 {
		o.RetryCount = sub.Attempts - 1
	}
	if err != nil {
		ow.failSubmission(ctx, err)
		return
	}

	o.VenueOrderID = sub.Report.VenueOrderID
	if rec, rerr := ow.e.deps.Registry.Resolve(ctx, ow.rec, domain.Submitted(o.VenueOrderID)); rerr != nil {
		slog.Error("failed to record submitted outcome",
			slog.String("handle", string(o.Handle)),
			slog.String("venue_order_id", o.VenueOrderID),
			slog.Any("error", rerr))
	} else {
		ow.rec = rec
	}
	ow.e.index(ow, "", o.VenueOrderID)

	reason := "venue accepted"
	if sub.Existing {
		reason = "found at venue by client id"
	}
	slog.Info("✅ Order acknowledged",
		slog.String("handle", string(o.Handle)),
		slog.String("venue", o.Intent.Venue),
		slog.String("symbol", o.Intent.Symbol),
		slog.String("venue_order_id", o.VenueOrderID),
		slog.Int("retries", o.RetryCount))
	ow.moveTo(domain.StateAcknowledged, reason)
	ow.apply(sub.Report, "submit")
}

func (ow *owner) failSubmission(ctx context.Context, err error) {
	o := ow.order
	o.LastError = err.Error()
	ow.submitErr = err

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// The venue may hold the order. The record stays pending so the next
		// claim for this key resolves it by client id.
		ow.moveTo(domain.StateFailed, "interrupted")
		return
	}

	state := domain.StateFailed
	var outcome domain.Outcome
	switch domain.KindOf(err) {
	case domain.KindRejected, domain.KindInvalidQuantity, domain.KindInvalidIntent, domain.KindCapabilityUnsupported:
		state, outcome = domain.StateRejected, domain.Failed(domain.Reason(err))
	case domain.KindTransient:
		outcome = domain.Failed("transient-exhausted")
	default:
		outcome = domain.Failed(domain.Reason(err))
	}

	if rec, rerr := ow.e.deps.Registry.Resolve(ctx, ow.rec, outcome); rerr != nil {
		slog.Error("failed to record failed outcome",
			slog.String("handle", string(o.Handle)),
			slog.Any("error", rerr))
	} else {
		ow.rec = rec
	}

	slog.Warn("❌ Order submission failed",
		slog.String("handle", string(o.Handle)),
		slog.String("venue", o.Intent.Venue),
		slog.String("outcome", outcome.String()),
		slog.Int("retries", o.RetryCount),
		slog.Any("error", err))
	ow.moveTo(state, outcome.Reason)
}

func (ow *owner) poll(ctx context.Context) {
	o := ow.order
	if o.VenueOrderID == "" || o.State.IsTerminal() {
		return
	}
	rep, err := ow.broker.GetOrderStatus(ctx, o.Intent.Symbol, o.VenueOrderID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("order status poll failed",
				slog.String("handle", string(o.Handle)),
				slog.Any("error", err))
		}
		return
	}
	ow.apply(rep, "poll")
}

// targetState maps a venue report onto the lifecycle.
func targetState(rep domain.OrderReport, o *domain.ManagedOrder) (domain.OrderState, bool) {
	switch rep.Status {
	case domain.VenueStatusNew:
		if rep.FilledQty.IsPositive() {
			return domain.StatePartiallyFilled, true
		}
		return domain.StateAcknowledged, true
	case domain.VenueStatusPartiallyFilled:
		return domain.StatePartiallyFilled, true
	case domain.VenueStatusFilled:
		return domain.StateFilled, true
	case domain.VenueStatusCancelled, domain.VenueStatusExpired:
		return domain.StateCancelled, true
	case domain.VenueStatusRejected:
		if o.FilledQty.IsPositive() || rep.FilledQty.IsPositive() {
			return domain.StateCancelled, true
		}
		return domain.StateRejected, true
	default:
		return 0, false
	}
}

// apply folds a venue report into the order. Reports older than what the
// order already reflects are dropped: filled quantity never decreases and a
// terminal order never changes.
func (ow *owner) apply(rep domain.OrderReport, source string) {
	o := ow.order
	if o.State.IsTerminal() {
		return
	}
	if rep.VenueOrderID != "" && o.VenueOrderID != "" && rep.VenueOrderID != o.VenueOrderID {
		return
	}
	if rep.FilledQty.LessThan(o.FilledQty) {
		slog.Debug("stale order report ignored",
			slog.String("handle", string(o.Handle)),
			slog.String("source", source),
			slog.String("report_filled", rep.FilledQty.String()),
			slog.String("filled", o.FilledQty.String()))
		return
	}

	filled := false
	if rep.FilledQty.GreaterThan(o.FilledQty) {
		if !ow.recordFill(rep) {
			return
		}
		filled = true
	}

	target, ok := targetState(rep, o)
	if ok && (target != o.State || (filled && target == domain.StatePartiallyFilled)) &&
		domain.CanTransition(o.State, target) {
		o.VenueStatus = rep.Status
		ow.moveTo(target, source+": "+string(rep.Status))
		return
	}
	if filled {
		o.VenueStatus = rep.Status
		o.UpdatedAt = ow.e.now()
		ow.publish()
	}
}

// recordFill turns the growth in filled quantity into one ledger fill.
// Returns false when the fill could not be recorded; the order is left
// unchanged so the next report retries.
func (ow *owner) recordFill(rep domain.OrderReport) bool {
	o := ow.order
	delta := rep.FilledQty.Sub(o.FilledQty)

	price := rep.AvgPrice
	if rep.AvgPrice.IsPositive() && o.FilledQty.IsPositive() && o.AvgFillPrice.IsPositive() {
		if p := rep.AvgPrice.Mul(rep.FilledQty).Sub(o.AvgFillPrice.Mul(o.FilledQty)).Div(delta); p.IsPositive() {
			price = p
		}
	}
	if !price.IsPositive() {
		price = o.Intent.LimitPrice
	}
	if !price.IsPositive() {
		slog.Warn("fill without price; waiting for next report",
			slog.String("handle", string(o.Handle)),
			slog.String("venue_order_id", o.VenueOrderID))
		return false
	}

	at := rep.UpdatedAt
	if at.IsZero() {
		at = ow.e.now()
	}
	f := domain.Fill{
		FillID:       o.VenueOrderID + ":" + rep.FilledQty.String(),
		Account:      o.Intent.Account,
		Venue:        o.Intent.Venue,
		Symbol:       o.Intent.Symbol,
		VenueOrderID: o.VenueOrderID,
		Side:         o.Intent.Side,
		Qty:          delta,
		Price:        price,
		At:           at,
	}
	if ow.e.deps.Ledger != nil {
		if _, _, err := ow.e.deps.Ledger.ApplyFill(ow.ctx, f); err != nil {
			slog.Error("ledger rejected fill",
				slog.String("handle", string(o.Handle)),
				slog.String("fill_id", f.FillID),
				slog.Any("error", err))
			return false
		}
	}

	avg := rep.AvgPrice
	if !avg.IsPositive() {
		avg = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(delta)).Div(rep.FilledQty)
	}
	o.FilledQty = rep.FilledQty
	o.AvgFillPrice = avg
	return true
}

// cancel runs on the owner goroutine. Terminal orders are a no-op success;
// once a venue cancel succeeds the order is terminal, so a later cancel
// never reaches the venue again.
func (ow *owner) cancel(ctx context.Context) error {
	o := ow.order
	if o.State.IsTerminal() {
		return nil
	}
	if o.VenueOrderID == "" {
		return fmt.Errorf("order %s has no venue id yet: %w", o.Handle, ErrInFlight)
	}

	err := ow.broker.CancelOrder(ctx, o.Intent.Symbol, o.VenueOrderID)
	if err != nil && !errors.Is(err, domain.ErrRejected) && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// Pick up fills that landed before the cancel.
	if rep, serr := ow.broker.GetOrderStatus(ctx, o.Intent.Symbol, o.VenueOrderID); serr == nil {
		ow.apply(rep, "cancel")
	}
	if o.State.IsTerminal() {
		return nil
	}
	if err != nil {
		return err
	}
	ow.moveTo(domain.StateCancelled, "cancel requested")
	return nil
}

// requestCancel hands a cancel to the owner goroutine and waits for it.
func (ow *owner) requestCancel(ctx context.Context) error {
	if ow.View().State.IsTerminal() {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case ow.inbox <- command{kind: cmdCancel, ctx: ctx, reply: reply}:
	case <-ow.done:
		return ow.afterExit()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ow.done:
		select {
		case err := <-reply:
			return err
		default:
		}
		return ow.afterExit()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ow *owner) afterExit() error {
	if ow.View().State.IsTerminal() {
		return nil
	}
	return ErrStopped
}

// push queues a venue update without blocking the stream reader. A full
// inbox drops the update; the next poll catches up.
func (ow *owner) push(rep domain.OrderReport) {
	select {
	case ow.inbox <- command{kind: cmdPush, report: rep}:
	case <-ow.done:
	default:
		slog.Warn("order inbox full, dropping pushed update",
			slog.String("handle", string(ow.order.Handle)))
	}
}

func (ow *owner) moveTo(to domain.OrderState, reason string) bool {
	if err := ow.order.MoveTo(to, ow.e.now(), reason); err != nil {
		slog.Debug("transition skipped", slog.Any("error", err))
		return false
	}
	ow.publish()
	if to.IsTerminal() {
		ow.finalize()
	}
	return true
}

func (ow *owner) publish() {
	c := ow.order.Clone()
	ow.view.Store(&c)
	if ow.e.deps.Bus != nil {
		ow.e.deps.Bus.Publish(event.NewOrderUpdate(c))
	}
}

// finalize archives a terminal order and counts it.
func (ow *owner) finalize() {
	o := ow.View()
	if ow.e.deps.Metrics != nil {
		ow.e.deps.Metrics.IncOrderTerminal(o.Intent.Venue, o.State.String())
	}
	slog.Info("Order finished",
		slog.String("handle", string(o.Handle)),
		slog.String("state", o.State.String()),
		slog.String("filled", o.FilledQty.String()),
		slog.String("avg_price", o.AvgFillPrice.String()),
		slog.String("last_error", o.LastError))

	if ow.e.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ow.e.deps.Archive.Archive(ctx, o); err != nil {
		slog.Error("failed to archive order", slog.String("handle", string(o.Handle)), slog.Any("error", err))
	}
}

// dumpState writes the order to a file for post-mortem.
func (ow *owner) dumpState() {
	filename := filepath.Join(os.TempDir(), fmt.Sprintf("order_dump_%s.json", ow.order.Handle))
	slog.Info("Dumping order state...", slog.String("file", filename))

	b, err := json.MarshalIndent(ow.order, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0o644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
