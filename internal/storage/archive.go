package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"exec_core/internal/domain"
)

// ErrOrderNotArchived is returned by Load for unknown handles.
var ErrOrderNotArchived = errors.New("order not archived")

// OrderArchive keeps ManagedOrders after they leave engine memory.
type OrderArchive struct {
	db *sql.DB
}

// Archive upserts the order keyed by handle.
func (a *OrderArchive) Archive(ctx context.Context, o domain.ManagedOrder) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO orders (handle, record_key, account, venue, symbol, state, venue_order_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			state=excluded.state,
			venue_order_id=excluded.venue_order_id,
			payload=excluded.payload,
			updated_at=excluded.updated_at`,
		string(o.Handle), o.RecordKey, o.Intent.Account, o.Intent.Venue, o.Intent.Symbol,
		o.State.String(), o.VenueOrderID, payload, unixNano(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to archive order %s: %w", o.Handle, err)
	}
	return nil
}

// Load returns an archived order.
func (a *OrderArchive) Load(ctx context.Context, handle domain.OrderHandle) (domain.ManagedOrder, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx, "SELECT payload FROM orders WHERE handle = ?", string(handle)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ManagedOrder{}, fmt.Errorf("%w: %s", ErrOrderNotArchived, handle)
	}
	if err != nil {
		return domain.ManagedOrder{}, fmt.Errorf("failed to load order %s: %w", handle, err)
	}
	var o domain.ManagedOrder
	if err := json.Unmarshal(payload, &o); err != nil {
		return domain.ManagedOrder{}, fmt.Errorf("failed to unmarshal order %s: %w", handle, err)
	}
	return o, nil
}

// CountByState returns archived order counts keyed by state name for one
// (account, venue).
func (a *OrderArchive) CountByState(ctx context.Context, account, venue string) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM orders WHERE account = ? AND venue = ? GROUP BY state", account, venue)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}
