// Package storetest holds conformance tests shared by idempotency.Store
// implementations.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/idempotency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(key string, now time.Time, ttl time.Duration) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:       key,
		CallerKey: "caller-" + key,
		Account:   "acc-1",
		Venue:     "bitget",
		Symbol:    "BTCUSDT",
		Outcome:   domain.Pending(),
		Handle:    domain.OrderHandle("h-" + key),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) idempotency.Store) {
	t.Run("InsertIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		rec := record("k1", now, time.Hour)
		_, inserted, err := s.Insert(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		other := rec
		other.Handle = "h-other"
		existing, inserted, err := s.Insert(ctx, other)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, rec.Handle, existing.Handle)
		assert.Equal(t, domain.OutcomePending, existing.Outcome.Status)
	})

	t.Run("ConcurrentInsertOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := record("shared", now, time.Hour)
				rec.Handle = domain.OrderHandle("h-" + string(rune('a'+i)))
				_, inserted, err := s.Insert(ctx, rec)
				assert.NoError(t, err)
				if inserted {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := record("k2", time.Now(), time.Hour)
		_, _, err := s.Insert(ctx, rec)
		require.NoError(t, err)

		next := rec
		next.Outcome = domain.Submitted("V-1")
		next.Version = 2
		require.NoError(t, s.CompareAndSwap(ctx, next, 1))

		stale := rec
		stale.Outcome = domain.Failed("late")
		stale.Version = 2
		assert.ErrorIs(t, s.CompareAndSwap(ctx, stale, 1), idempotency.ErrVersionConflict)

		got, err := s.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Equal(t, "submitted:V-1", got.Outcome.String())
		assert.Equal(t, int64(2), got.Version)

		missing := record("absent", time.Now(), time.Hour)
		assert.ErrorIs(t, s.CompareAndSwap(ctx, missing, 1), idempotency.ErrVersionConflict)
	})

	t.Run("ExpiredIsReplacedAndPruned", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := time.Now().Add(-2 * time.Hour)

		old := record("k3", past, time.Hour) // expired an hour ago
		old.Outcome = domain.Submitted("V-old")
		_, inserted, err := s.Insert(ctx, old)
		require.NoError(t, err)
		require.True(t, inserted)

		_, err = s.Get(ctx, "k3")
		assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)

		fresh := record("k3", time.Now(), time.Hour)
		_, inserted, err = s.Insert(ctx, fresh)
		require.NoError(t, err)
		assert.True(t, inserted, "expired record must not bind the key")

		_, _, err = s.Insert(ctx, record("k4", past, time.Hour))
		require.NoError(t, err)
		n, err := s.Prune(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "k3")
		assert.NoError(t, err)
	})

	t.Run("PendingListsStaleLiveClaims", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()
		old := now.Add(-time.Minute)

		_, _, err := s.Insert(ctx, record("stale", old, time.Hour))
		require.NoError(t, err)
		_, _, err = s.Insert(ctx, record("fresh", now, time.Hour))
		require.NoError(t, err)
		done := record("done", old, time.Hour)
		done.Outcome = domain.Submitted("V-9")
		_, _, err = s.Insert(ctx, done)
		require.NoError(t, err)
		_, _, err = s.Insert(ctx, record("expired", now.Add(-2*time.Hour), time.Hour))
		require.NoError(t, err)

		got, err := s.Pending(ctx, now.Add(-30*time.Second))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "stale", got[0].Key)
		assert.Equal(t, "BTCUSDT", got[0].Symbol)
		assert.Equal(t, "acc-1", got[0].Account)
	})
}
