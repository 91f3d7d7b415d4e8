package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Store is the SQLite database behind the idempotency records, the fill
// journal and the order archive.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		caller_key TEXT NOT NULL,
		account TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		handle TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_outcome ON idempotency_records(outcome, updated_at);`,
	// Fills are journaled before they reach the ledger.
	`CREATE TABLE IF NOT EXISTS fills (
		seq INTEGER PRIMARY KEY,
		fill_id TEXT NOT NULL,
		account TEXT NOT NULL,
		venue TEXT NOT NULL,
		ts INTEGER NOT NULL,
		payload BLOB NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS orders (
		handle TEXT PRIMARY KEY,
		record_key TEXT NOT NULL,
		account TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		state TEXT NOT NULL,
		venue_order_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account, venue);`,
}

// Open opens (or creates) the SQLite database at dbPath with WAL enabled.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer connection: SQLite serializes writes anyway and the
	// conditional upserts below rely on it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *Store) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table. A missing key
// returns "".
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Idempotency returns the idempotency.Store view of the database.
func (s *Store) Idempotency() *IdempotencyStore {
	return newIdempotencyStore(s.db)
}

// Fills returns the fill journal.
func (s *Store) Fills() *FillJournal {
	return &FillJournal{db: s.db}
}

// Orders returns the order archive.
func (s *Store) Orders() *OrderArchive {
	return &OrderArchive{db: s.db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
