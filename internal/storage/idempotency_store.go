package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exec_core/internal/domain"
	"exec_core/internal/idempotency"
)

// IdempotencyStore implements idempotency.Store with conditional SQL writes,
// so several processes sharing the database still get one winner per key.
type IdempotencyStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

func newIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db, now: time.Now}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Insert writes rec unless a live row exists. An expired row is overwritten
// in the same statement.
func (s *IdempotencyStore) Insert(ctx context.Context, rec domain.IdempotencyRecord) (domain.IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
			(key, caller_key, account, venue, symbol, outcome, handle, version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			caller_key=excluded.caller_key,
			account=excluded.account,
			venue=excluded.venue,
			symbol=excluded.symbol,
			outcome=excluded.outcome,
			handle=excluded.handle,
			version=excluded.version,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			expires_at=excluded.expires_at
		WHERE idempotency_records.expires_at > 0 AND idempotency_records.expires_at <= ?`,
		rec.Key, rec.CallerKey, rec.Account, rec.Venue, rec.Symbol, rec.Outcome.String(), string(rec.Handle),
		rec.Version, unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt), unixNano(rec.ExpiresAt),
		s.now().UnixNano(),
	)
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("insert idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	if n == 1 {
		return rec, true, nil
	}

	existing, err := s.load(ctx, rec.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return existing, false, nil
}

func (s *IdempotencyStore) CompareAndSwap(ctx context.Context, rec domain.IdempotencyRecord, expected int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET
			symbol=?, outcome=?, handle=?, version=?, updated_at=?, expires_at=?
		WHERE key=? AND version=?`,
		rec.Symbol, rec.Outcome.String(), string(rec.Handle), rec.Version, unixNano(rec.UpdatedAt), unixNano(rec.ExpiresAt),
		rec.Key, expected,
	)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return idempotency.ErrVersionConflict
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if rec.Expired(s.now()) {
		return domain.IdempotencyRecord{}, idempotency.ErrRecordNotFound
	}
	return rec, nil
}

func (s *IdempotencyStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE expires_at > 0 AND expires_at <= ?", now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Pending lists live pending records last written at or before cutoff.
func (s *IdempotencyStore) Pending(ctx context.Context, cutoff time.Time) ([]domain.IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE outcome = ? AND updated_at <= ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY updated_at`,
		domain.Pending().String(), cutoff.UnixNano(), s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer rows.Close()

	var out []domain.IdempotencyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const recordColumns = "key, caller_key, account, venue, symbol, outcome, handle, version, created_at, updated_at, expires_at"

func (s *IdempotencyStore) load(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM idempotency_records WHERE key = ?", key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, idempotency.ErrRecordNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (domain.IdempotencyRecord, error) {
	var (
		rec                       domain.IdempotencyRecord
		outcome, handle           string
		created, updated, expires int64
	)
	err := sc.Scan(&rec.Key, &rec.CallerKey, &rec.Account, &rec.Venue, &rec.Symbol, &outcome, &handle,
		&rec.Version, &created, &updated, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, err
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("scan idempotency record: %w", err)
	}

	rec.Outcome, err = domain.ParseOutcome(outcome)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("record %s: %w", rec.Key, err)
	}
	rec.Handle = domain.OrderHandle(handle)
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	rec.ExpiresAt = fromUnixNano(expires)
	return rec, nil
}
