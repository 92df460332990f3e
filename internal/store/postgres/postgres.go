// Package postgres is a store.Store on PostgreSQL, for deployments where
// several forja workers share one cache and one budget.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doumen/vana-forja/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS oracle_cache (
    key        TEXT             PRIMARY KEY,
    text       TEXT             NOT NULL,
    provider   TEXT             NOT NULL DEFAULT '',
    model      TEXT             NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ      NOT NULL
);

CREATE TABLE IF NOT EXISTS spend_ledger (
    period     TEXT             PRIMARY KEY,
    usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ      NOT NULL DEFAULT now()
);
`

// Store keeps cache and ledger in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the cache and ledger tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Lookup implements store.Cache.
func (s *Store) Lookup(ctx context.Context, key string) (*store.CacheEntry, error) {
	e := store.CacheEntry{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT text, provider, model, created_at FROM oracle_cache WHERE key = $1`, key,
	).Scan(&e.Text, &e.Provider, &e.Model, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: lookup: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// Save implements store.Cache.
func (s *Store) Save(ctx context.Context, e store.CacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oracle_cache (key, text, provider, model, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
		    text = EXCLUDED.text,
		    provider = EXCLUDED.provider,
		    model = EXCLUDED.model,
		    created_at = EXCLUDED.created_at`,
		e.Key, e.Text, e.Provider, e.Model, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

// Totals implements store.Ledger.
func (s *Store) Totals(ctx context.Context, keys ...string) (map[string]float64, error) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = 0
	}

	rows, err := s.pool.Query(ctx, `SELECT period, usd FROM spend_ledger WHERE period = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres store: totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			period string
			usd    float64
		)
		if err := rows.Scan(&period, &usd); err != nil {
			return nil, fmt.Errorf("postgres store: scan totals: %w", err)
		}
		out[period] = usd
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: totals: %w", err)
	}
	return out, nil
}

// AddSpend implements store.Ledger.
func (s *Store) AddSpend(ctx context.Context, amount float64, keys ...string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, k := range keys {
			if _, err := tx.Exec(ctx, `
				INSERT INTO spend_ledger (period, usd) VALUES ($1, $2)
				ON CONFLICT (period) DO UPDATE
				SET usd = spend_ledger.usd + EXCLUDED.usd, updated_at = now()`, k, amount); err != nil {
				return fmt.Errorf("add %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: add spend: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
