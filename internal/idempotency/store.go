package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"exec_core/internal/domain"
)

var (
	// ErrVersionConflict means the record changed since it was read.
	ErrVersionConflict = errors.New("idempotency record version conflict")
	// ErrRecordNotFound means no live record exists for the key.
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// Store is a keyed record store with atomic conditional writes.
// Implementations must make Insert and CompareAndSwap atomic with respect to
// each other, across goroutines and, for shared stores, across processes.
type Store interface {
	// Insert stores rec unless a live record exists for rec.Key, in which
	// case the existing record is returned with inserted=false. Expired
	// records are replaced.
	Insert(ctx context.Context, rec domain.IdempotencyRecord) (existing domain.IdempotencyRecord, inserted bool, err error)

	// CompareAndSwap replaces the record for rec.Key if its stored version
	// equals expected. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, rec domain.IdempotencyRecord, expected int64) error

	// Get returns the live record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (domain.IdempotencyRecord, error)

	// Prune deletes records expired at now and returns how many were removed.
	Prune(ctx context.Context, now time.Time) (int, error)

	// Pending returns live pending records last written at or before cutoff.
	Pending(ctx context.Context, cutoff time.Time) ([]domain.IdempotencyRecord, error)
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.IdempotencyRecord), now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(s.now()) {
		return cur, false, nil
	}
	s.records[rec.Key] = rec
	return rec, true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, rec domain.IdempotencyRecord, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Key]
	if !ok || cur.Version != expected {
		return ErrVersionConflict
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok || cur.Expired(s.now()) {
		return domain.IdempotencyRecord{}, ErrRecordNotFound
	}
	return cur, nil
}

func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Pending(ctx context.Context, cutoff time.Time) ([]domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []domain.IdempotencyRecord
	for _, r := range s.records {
		if r.Outcome.Status == domain.OutcomePending && !r.UpdatedAt.After(cutoff) && !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
