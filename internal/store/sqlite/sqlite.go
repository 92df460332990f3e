// Package sqlite is a store.Store on a single SQLite file, using the pure-Go
// modernc.org/sqlite driver so the binary stays cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doumen/vana-forja/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS oracle_cache (
    key        TEXT    PRIMARY KEY,
    text       TEXT    NOT NULL,
    provider   TEXT    NOT NULL DEFAULT '',
    model      TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS spend_ledger (
    period TEXT PRIMARY KEY,
    usd    REAL NOT NULL DEFAULT 0
);
`

// Store keeps cache and ledger in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway and this avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Lookup implements store.Cache.
func (s *Store) Lookup(ctx context.Context, key string) (*store.CacheEntry, error) {
	var (
		e       = store.CacheEntry{Key: key}
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT text, provider, model, created_at FROM oracle_cache WHERE key = ?`, key,
	).Scan(&e.Text, &e.Provider, &e.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: lookup: %w", err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}

// Save implements store.Cache.
func (s *Store) Save(ctx context.Context, e store.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_cache (key, text, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		    text = excluded.text,
		    provider = excluded.provider,
		    model = excluded.model,
		    created_at = excluded.created_at`,
		e.Key, e.Text, e.Provider, e.Model, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: save: %w", err)
	}
	return nil
}

// Totals implements store.Ledger.
func (s *Store) Totals(ctx context.Context, keys ...string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		var usd float64
		err := s.db.QueryRowContext(ctx, `SELECT usd FROM spend_ledger WHERE period = ?`, k).Scan(&usd)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite store: totals %s: %w", k, err)
		}
		out[k] = usd
	}
	return out, nil
}

// AddSpend implements store.Ledger.
func (s *Store) AddSpend(ctx context.Context, amount float64, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO spend_ledger (period, usd) VALUES (?, ?)
			ON CONFLICT(period) DO UPDATE SET usd = usd + excluded.usd`, k, amount); err != nil {
			return fmt.Errorf("sqlite store: add spend %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
