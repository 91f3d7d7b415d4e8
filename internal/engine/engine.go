package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/event"
	"exec_core/internal/execution"
	"exec_core/internal/idempotency"

	"github.com/google/uuid"
)

var (
	// ErrInFlight means another submission for the same idempotency key is
	// still unresolved. The returned handle is the one to poll.
	ErrInFlight = errors.New("order submission in flight, poll again")
	// ErrUnknownOrder is returned for handles the engine never issued.
	ErrUnknownOrder = errors.New("unknown order handle")
	// ErrStopped is returned when the engine shut down before an answer.
	ErrStopped = errors.New("engine stopped")
)

// Venues resolves the broker bound to (account, venue).
type Venues interface {
	Lookup(account, venue string) (*execution.Guarded, error)
}

// FillSink receives fills as orders progress. *ledger.Ledger satisfies it.
type FillSink interface {
	ApplyFill(ctx context.Context, f domain.Fill) (domain.Position, bool, error)
}

// Archiver keeps orders that reached a terminal state.
type Archiver interface {
	Archive(ctx context.Context, o domain.ManagedOrder) error
	Load(ctx context.Context, handle domain.OrderHandle) (domain.ManagedOrder, error)
}

// OrderCounter is satisfied by *infra.Metrics.
type OrderCounter interface {
	IncOrderTerminal(venue, state string)
}

// Config tunes the engine.
type Config struct {
	PollInterval    time.Duration
	LaneConcurrency int           // concurrent submissions per (account, venue)
	PendingTimeout  time.Duration // age after which an unowned pending claim is resolved at the venue
	Retention       time.Duration // how long terminal orders stay in memory when archived
	InboxSize       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		LaneConcurrency: 4,
		PendingTimeout:  time.Minute,
		Retention:       10 * time.Minute,
		InboxSize:       16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LaneConcurrency <= 0 {
		c.LaneConcurrency = d.LaneConcurrency
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = d.PendingTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// Deps are the engine's collaborators. Ledger, Bus, Archive and Metrics are
// optional.
type Deps struct {
	Venues   Venues
	Registry *idempotency.Registry
	Ledger   FillSink
	Bus      event.Publisher
	Archive  Archiver
	Metrics  OrderCounter
}

// Engine turns order intents into venue orders. Each ManagedOrder is owned
// by one goroutine that serializes its submission, polling, pushed updates
// and cancellation.
type Engine struct {
	deps  Deps
	cfg   Config
	now   func() time.Time
	lanes *lanes

	mu        sync.RWMutex
	orders    map[domain.OrderHandle]*owner
	byClient  map[string]*owner // venue/clientOrderID
	byVenueID map[string]*owner // venue/venueOrderID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Close to stop its order owners.
func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:      deps,
		cfg:       cfg,
		now:       time.Now,
		lanes:     newLanes(cfg.LaneConcurrency),
		orders:    make(map[domain.OrderHandle]*owner),
		byClient:  make(map[string]*owner),
		byVenueID: make(map[string]*owner),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SubmitOrder validates intent, claims its idempotency key and submits it.
//
// A key already bound to a submitted order returns that order's handle. A
// key whose submission is still unresolved returns its handle with
// ErrInFlight. Otherwise the call waits for the venue's answer (or ctx) and
// returns the new handle; a rejection or failure is returned alongside it.
func (e *Engine) SubmitOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderHandle, error) {
	o := domain.NewManagedOrder(domain.OrderHandle(uuid.NewString()), intent, e.now())
	_ = o.MoveTo(domain.StateValidating, e.now(), "")

	broker, err := e.validate(intent)
	if err != nil {
		e.finishAtIntake(o, domain.StateRejected, err)
		return o.Handle, err
	}
	_ = o.MoveTo(domain.StateIdempotentCheck, e.now(), "")

	// A second pass follows an abandoned pending claim being released.
	for pass := 0; pass < 2; pass++ {
		claim, err := e.deps.Registry.Claim(ctx, intent.Account, intent.Venue, intent.Symbol, intent.IdempotencyKey, o.Handle)
		if err != nil {
			e.finishAtIntake(o, domain.StateFailed, err)
			return o.Handle, err
		}
		if claim.Owned {
			return e.startOwned(ctx, o, broker, claim)
		}

		rec := claim.Record
		switch rec.Outcome.Status {
		case domain.OutcomeSubmitted:
			return e.adopt(ctx, intent, broker, rec)

		case domain.OutcomePending:
			if e.liveOwner(rec.Handle) || e.now().Sub(rec.UpdatedAt) < e.cfg.PendingTimeout {
				return rec.Handle, ErrInFlight
			}
			resolved, _, err := e.resolveOrphan(ctx, intent.Symbol, broker, rec)
			if err != nil {
				slog.Warn("could not resolve stale pending claim",
					slog.String("caller_key", rec.CallerKey),
					slog.String("handle", string(rec.Handle)),
					slog.Any("error", err))
				return rec.Handle, ErrInFlight
			}
			if resolved.Outcome.Status == domain.OutcomeSubmitted {
				return e.adopt(ctx, intent, broker, resolved)
			}
		}
	}
	return "", fmt.Errorf("claim %s: %w", intent.IdempotencyKey, ErrInFlight)
}

func (e *Engine) validate(intent domain.OrderIntent) (*execution.Guarded, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	broker, err := e.deps.Venues.Lookup(intent.Account, intent.Venue)
	if err != nil {
		return nil, err
	}
	if _, err := broker.Prepare(intent); err != nil {
		return nil, err
	}
	return broker, nil
}

// finishAtIntake terminates an order that never reached a venue.
func (e *Engine) finishAtIntake(o *domain.ManagedOrder, state domain.OrderState, cause error) {
	o.LastError = cause.Error()
	_ = o.MoveTo(state, e.now(), domain.Reason(cause))
	ow := e.newOwner(o, nil)
	close(ow.submitted)
	close(ow.done)
	ow.publish()
	e.register(ow)
	ow.finalize()
}

func (e *Engine) startOwned(ctx context.Context, o *domain.ManagedOrder, broker *execution.Guarded, claim idempotency.Claim) (domain.OrderHandle, error) {
	o.RecordKey = claim.Record.Key
	o.ClientOrderID = domain.ClientOrderID(claim.Record.Key, broker.Capability().MaxClientOrderIDLen)
	if claim.Retry {
		slog.Info("Resubmitting after failed outcome",
			slog.String("caller_key", claim.Record.CallerKey),
			slog.String("client_order_id", o.ClientOrderID))
	}
	_ = o.MoveTo(domain.StateSubmitting, e.now(), "")

	ow := e.newOwner(o, broker)
	ow.rec = claim.Record
	ow.publish()
	e.register(ow)
	e.index(ow, o.ClientOrderID, "")

	e.wg.Add(1)
	go ow.run(e.ctx, true)

	select {
	case <-ow.submitted:
		return o.Handle, ow.submitErr
	case <-ctx.Done():
		return o.Handle, ErrInFlight
	}
}

// adopt makes sure an order bound to a submitted record is tracked and
// returns its handle.
func (e *Engine) adopt(ctx context.Context, intent domain.OrderIntent, broker *execution.Guarded, rec domain.IdempotencyRecord) (domain.OrderHandle, error) {
	if e.lookup(rec.Handle) != nil {
		return rec.Handle, nil
	}

	var o *domain.ManagedOrder
	if e.deps.Archive != nil {
		if archived, err := e.deps.Archive.Load(ctx, rec.Handle); err == nil {
			if archived.State.IsTerminal() {
				return rec.Handle, nil
			}
			o = &archived
		}
	}
	if o == nil {
		now := e.now()
		o = domain.NewManagedOrder(rec.Handle, intent, now)
		o.RecordKey = rec.Key
		o.ClientOrderID = domain.ClientOrderID(rec.Key, broker.Capability().MaxClientOrderIDLen)
		o.VenueOrderID = rec.Outcome.VenueOrderID
		_ = o.MoveTo(domain.StateValidating, now, "")
		_ = o.MoveTo(domain.StateIdempotentCheck, now, "")
		_ = o.MoveTo(domain.StateAcknowledged, now, "adopted "+rec.Outcome.String())
	}

	ow := e.newOwner(o, broker)
	ow.rec = rec
	close(ow.submitted)
	ow.publish()
	if existing, fresh := e.register(ow); !fresh {
		return existing.order.Handle, nil
	}
	e.index(ow, o.ClientOrderID, o.VenueOrderID)

	slog.Info("Tracking order from idempotency record",
		slog.String("handle", string(rec.Handle)),
		slog.String("venue_order_id", o.VenueOrderID))

	e.wg.Add(1)
	go ow.run(e.ctx, false)
	return rec.Handle, nil
}

// resolveOrphan settles a pending claim whose owner is gone by asking the
// venue whether the order exists. The venue's report is returned when it does.
func (e *Engine) resolveOrphan(ctx context.Context, symbol string, broker *execution.Guarded, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, domain.OrderReport, error) {
	clientID := domain.ClientOrderID(rec.Key, broker.Capability().MaxClientOrderIDLen)
	rep, err := broker.GetOrderByClientID(ctx, symbol, clientID)
	switch {
	case err == nil:
		slog.Warn("Stale pending claim found at venue",
			slog.String("client_order_id", clientID),
			slog.String("venue_order_id", rep.VenueOrderID))
		resolved, err := e.deps.Registry.Resolve(ctx, rec, domain.Submitted(rep.VenueOrderID))
		return resolved, rep, err
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("Stale pending claim not at venue; releasing key", slog.String("client_order_id", clientID))
		resolved, err := e.deps.Registry.Resolve(ctx, rec, domain.Failed("abandoned"))
		return resolved, domain.OrderReport{}, err
	default:
		return rec, domain.OrderReport{}, err
	}
}

// resolveStale settles every pending claim older than PendingTimeout that no
// live owner holds, so a crashed submission does not wait for a resubmit.
func (e *Engine) resolveStale(ctx context.Context) int {
	stale, err := e.deps.Registry.Stale(ctx, e.cfg.PendingTimeout)
	if err != nil {
		slog.Warn("list stale pending claims", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, rec := range stale {
		if e.liveOwner(rec.Handle) {
			continue
		}
		broker, err := e.deps.Venues.Lookup(rec.Account, rec.Venue)
		if err != nil {
			slog.Warn("stale pending claim for unknown venue",
				slog.String("account", rec.Account),
				slog.String("venue", rec.Venue))
			continue
		}
		resolved, rep, err := e.resolveOrphan(ctx, rec.Symbol, broker, rec)
		if err != nil {
			slog.Warn("could not resolve stale pending claim",
				slog.String("caller_key", rec.CallerKey),
				slog.String("handle", string(rec.Handle)),
				slog.Any("error", err))
			continue
		}
		n++
		if resolved.Outcome.Status != domain.OutcomeSubmitted {
			continue
		}
		intent := domain.OrderIntent{
			Account:        rec.Account,
			Venue:          rec.Venue,
			Symbol:         rec.Symbol,
			Side:           rep.Side,
			Quantity:       rep.Quantity,
			IdempotencyKey: rec.CallerKey,
		}
		if _, err := e.adopt(ctx, intent, broker, resolved); err != nil {
			slog.Warn("adopt resolved order", slog.String("handle", string(rec.Handle)), slog.Any("error", err))
		}
	}
	return n
}

// CancelOrder cancels an order. Cancelling a terminal order is a no-op
// success, and concurrent cancels reach the venue at most once.
func (e *Engine) CancelOrder(ctx context.Context, handle domain.OrderHandle) error {
	ow := e.lookup(handle)
	if ow == nil {
		if e.deps.Archive != nil {
			if o, err := e.deps.Archive.Load(ctx, handle); err == nil && o.State.IsTerminal() {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownOrder, handle)
	}
	return ow.requestCancel(ctx)
}

// GetOrderState returns a copy of the order.
func (e *Engine) GetOrderState(ctx context.Context, handle domain.OrderHandle) (domain.ManagedOrder, error) {
	if ow := e.lookup(handle); ow != nil {
		return ow.View(), nil
	}
	if e.deps.Archive != nil {
		if o, err := e.deps.Archive.Load(ctx, handle); err == nil {
			return o, nil
		}
	}
	return domain.ManagedOrder{}, fmt.Errorf("%w: %s", ErrUnknownOrder, handle)
}

// AttachPush routes the broker's pushed order updates to order owners.
func (e *Engine) AttachPush(g *execution.Guarded) {
	venue := g.Name()
	g.SetOrderUpdateHandler(func(rep domain.OrderReport) {
		e.routePush(venue, rep)
	})
}

func (e *Engine) routePush(venue string, rep domain.OrderReport) {
	e.mu.RLock()
	ow := e.byVenueID[venue+"/"+rep.VenueOrderID]
	if ow == nil && rep.ClientOrderID != "" {
		ow = e.byClient[venue+"/"+rep.ClientOrderID]
	}
	e.mu.RUnlock()
	if ow == nil {
		slog.Debug("push for untracked order",
			slog.String("venue", venue),
			slog.String("venue_order_id", rep.VenueOrderID))
		return
	}
	ow.push(rep)
}

// RunJanitor settles stale pending claims and evicts archived terminal
// orders from memory every interval until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.resolveStale(ctx); n > 0 {
				slog.Info("resolved stale pending claims", slog.Int("count", n))
			}
			if n := e.evict(); n > 0 {
				slog.Debug("evicted terminal orders", slog.Int("count", n))
			}
		}
	}
}

func (e *Engine) evict() int {
	if e.deps.Archive == nil {
		return 0
	}
	cutoff := e.now().Add(-e.cfg.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for h, ow := range e.orders {
		v := ow.View()
		if !v.State.IsTerminal() || v.UpdatedAt.After(cutoff) {
			continue
		}
		select {
		case <-ow.done:
		default:
			continue
		}
		delete(e.orders, h)
		delete(e.byClient, v.Intent.Venue+"/"+v.ClientOrderID)
		delete(e.byVenueID, v.Intent.Venue+"/"+v.VenueOrderID)
		n++
	}
	return n
}

// OpenOrders returns copies of every non-terminal order in memory.
func (e *Engine) OpenOrders() []domain.ManagedOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.ManagedOrder
	for _, ow := range e.orders {
		if v := ow.View(); !v.State.IsTerminal() {
			out = append(out, v)
		}
	}
	return out
}

// Close stops all order owners and waits for them to exit. Open orders stay
// open at their venues.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) lookup(h domain.OrderHandle) *owner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders[h]
}

// liveOwner reports whether h is tracked by an owner still working it.
func (e *Engine) liveOwner(h domain.OrderHandle) bool {
	ow := e.lookup(h)
	return ow != nil && !ow.View().State.IsTerminal()
}

// register inserts ow unless its handle is already tracked.
func (e *Engine) register(ow *owner) (*owner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.orders[ow.order.Handle]; ok {
		return cur, false
	}
	e.orders[ow.order.Handle] = ow
	return ow, true
}

func (e *Engine) index(ow *owner, clientOrderID, venueOrderID string) {
	venue := ow.order.Intent.Venue
	e.mu.Lock()
	defer e.mu.Unlock()
	if clientOrderID != "" {
		e.byClient[venue+"/"+clientOrderID] = ow
	}
	if venueOrderID != "" {
		e.byVenueID[venue+"/"+venueOrderID] = ow
	}
}
