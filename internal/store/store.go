// Package store defines the persistence contract behind the oracle gateway:
// a content-addressed response cache and a spend ledger keyed by billing
// period.
//
// Three implementations exist. [filestore] keeps everything under a local
// directory and is the default for single-host runs. [sqlite] and [postgres]
// keep the same data in a database so several workers can share one budget.
//
// [filestore]: github.com/doumen/vana-forja/internal/store/filestore
// [sqlite]: github.com/doumen/vana-forja/internal/store/sqlite
// [postgres]: github.com/doumen/vana-forja/internal/store/postgres
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Cache.Lookup] when no entry exists for a key.
var ErrNotFound = errors.New("store: not found")

// CacheEntry is a stored oracle response.
type CacheEntry struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache maps request fingerprints to oracle responses. Expiry is the
// caller's decision; implementations return entries of any age.
type Cache interface {
	// Lookup returns the entry for key or [ErrNotFound].
	Lookup(ctx context.Context, key string) (*CacheEntry, error)

	// Save inserts or replaces the entry for e.Key.
	Save(ctx context.Context, e CacheEntry) error
}

// Ledger accumulates spend per billing period key.
type Ledger interface {
	// Totals returns the running total for each key. Unknown keys read as 0.
	Totals(ctx context.Context, keys ...string) (map[string]float64, error)

	// AddSpend adds amount to every key in one atomic step: after a crash
	// either all keys carry the amount or none do.
	AddSpend(ctx context.Context, amount float64, keys ...string) error
}

// Store is a Cache and a Ledger with a shared lifecycle.
type Store interface {
	Cache
	Ledger

	// Ping reports whether the backing medium is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}

// DayKey returns the ledger key of the UTC day containing t.
func DayKey(t time.Time) string { return "day:" + t.UTC().Format("2006-01-02") }

// MonthKey returns the ledger key of the UTC month containing t.
func MonthKey(t time.Time) string { return "month:" + t.UTC().Format("2006-01") }
