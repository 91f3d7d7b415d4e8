package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"exec_core/internal/domain"
	"exec_core/internal/ledger"
)

// FillJournal is the ledger's write-ahead log of fills.
type FillJournal struct {
	db *sql.DB
}

var _ ledger.Journal = (*FillJournal)(nil)

// Append stores a fill under seq. Sequence numbers are unique.
func (j *FillJournal) Append(ctx context.Context, seq uint64, f domain.Fill) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO fills (seq, fill_id, account, venue, ts, payload) VALUES (?, ?, ?, ?, ?, ?)",
		seq, f.FillID, f.Account, f.Venue, unixNano(f.At), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// LastSeq returns the highest journaled sequence number, 0 when empty.
func (j *FillJournal) LastSeq(ctx context.Context) (uint64, error) {
	var lastSeq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM fills").Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !lastSeq.Valid {
		return 0, nil
	}
	return uint64(lastSeq.Int64), nil
}

// Load returns journaled fills with seq >= fromSeq in order.
func (j *FillJournal) Load(ctx context.Context, fromSeq uint64) ([]ledger.Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT seq, payload FROM fills WHERE seq >= ? ORDER BY seq ASC", fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		var f domain.Fill
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fill %d: %w", seq, err)
		}
		out = append(out, ledger.Entry{Seq: uint64(seq), Fill: f})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Truncate deletes fills at or below seq, typically after a snapshot.
func (j *FillJournal) Truncate(ctx context.Context, seq uint64) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM fills WHERE seq <= ?", seq)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate fills: %w", err)
	}
	return res.RowsAffected()
}
