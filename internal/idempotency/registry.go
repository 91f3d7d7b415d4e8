package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"exec_core/internal/domain"
)

// DefaultTTL is how long a key stays bound after its last write.
const DefaultTTL = 24 * time.Hour

const maxClaimRetries = 8

// Registry maps caller idempotency keys to submission outcomes.
// A key is bound by a submitted outcome until it expires; failed outcomes
// can be reclaimed for another attempt.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry over store. ttl <= 0 uses DefaultTTL.
func NewRegistry(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// Claim is the result of Registry.Claim.
type Claim struct {
	Record domain.IdempotencyRecord
	// Owned is true when the caller now holds the pending claim and must
	// submit, then Resolve.
	Owned bool
	// Retry is true when Owned was gained by reclaiming a failed record.
	Retry bool
}

// Claim atomically sets the key to pending for handle unless a pending or
// submitted record already exists, in which case that record is returned.
func (r *Registry) Claim(ctx context.Context, account, venue, symbol, callerKey string, handle domain.OrderHandle) (Claim, error) {
	key := domain.RecordKey(account, venue, callerKey)

	for i := 0; i < maxClaimRetries; i++ {
		now := r.now()
		rec := domain.IdempotencyRecord{
			Key:       key,
			CallerKey: callerKey,
			Account:   account,
			Venue:     venue,
			Symbol:    symbol,
			Outcome:   domain.Pending(),
			Handle:    handle,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(r.ttl),
		}
		existing, inserted, err := r.store.Insert(ctx, rec)
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: %w", callerKey, err)
		}
		if inserted {
			return Claim{Record: rec, Owned: true}, nil
		}
		if existing.Outcome.Status != domain.OutcomeFailed {
			return Claim{Record: existing}, nil
		}

		// Failed records do not bind the key.
		next := existing
		next.Outcome = domain.Pending()
		next.Handle = handle
		next.Symbol = symbol
		next.Version = existing.Version + 1
		next.UpdatedAt = now
		next.ExpiresAt = now.Add(r.ttl)
		err = r.store.CompareAndSwap(ctx, next, existing.Version)
		if err == nil {
			slog.Info("Reclaiming failed idempotency key",
				slog.String("caller_key", callerKey),
				slog.String("previous", existing.Outcome.String()))
			return Claim{Record: next, Owned: true, Retry: true}, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Claim{}, fmt.Errorf("reclaim %s: %w", callerKey, err)
		}
	}
	return Claim{}, fmt.Errorf("claim %s: %w after %d attempts", callerKey, ErrVersionConflict, maxClaimRetries)
}

// Resolve records the outcome of an owned claim. rec must be the record
// returned by Claim (or a previous Resolve).
func (r *Registry) Resolve(ctx context.Context, rec domain.IdempotencyRecord, outcome domain.Outcome) (domain.IdempotencyRecord, error) {
	next := rec
	next.Outcome = outcome
	next.Version = rec.Version + 1
	next.UpdatedAt = r.now()
	next.ExpiresAt = next.UpdatedAt.Add(r.ttl)
	if err := r.store.CompareAndSwap(ctx, next, rec.Version); err != nil {
		return rec, fmt.Errorf("resolve %s as %s: %w", rec.CallerKey, outcome, err)
	}
	return next, nil
}

// Get returns the record for a caller key.
func (r *Registry) Get(ctx context.Context, account, venue, callerKey string) (domain.IdempotencyRecord, error) {
	return r.store.Get(ctx, domain.RecordKey(account, venue, callerKey))
}

// Stale returns pending records nobody has written for at least age.
func (r *Registry) Stale(ctx context.Context, age time.Duration) ([]domain.IdempotencyRecord, error) {
	return r.store.Pending(ctx, r.now().Add(-age))
}

// Sweep prunes expired records.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	return r.store.Prune(ctx, r.now())
}

// RunSweeper prunes expired records every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				slog.Warn("idempotency sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Debug("idempotency records pruned", slog.Int("count", n))
			}
		}
	}
}
