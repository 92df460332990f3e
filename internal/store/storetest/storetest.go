// Package storetest is a conformance suite every store.Store implementation
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doumen/vana-forja/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the cache and ledger contract against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("LookupMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Lookup(context.Background(), "0123456789abcdef01234567")
		require.True(t, errors.Is(err, store.ErrNotFound), "err = %v", err)
	})

	t.Run("SaveThenLookup", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
		e := store.CacheEntry{
			Key:       "aaaabbbbccccddddeeeeffff",
			Text:      "⟦0:00:01⟧ edited paragraph",
			Provider:  "claude",
			Model:     "claude-3-5-sonnet-latest",
			CreatedAt: created,
		}
		require.NoError(t, s.Save(ctx, e))

		got, err := s.Lookup(ctx, e.Key)
		require.NoError(t, err)
		assert.Equal(t, e.Text, got.Text)
		assert.Equal(t, e.Provider, got.Provider)
		assert.Equal(t, e.Model, got.Model)
		assert.True(t, created.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, created)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		key := "111122223333444455556666"
		require.NoError(t, s.Save(ctx, store.CacheEntry{Key: key, Text: "old", CreatedAt: time.Now()}))
		require.NoError(t, s.Save(ctx, store.CacheEntry{Key: key, Text: "new", CreatedAt: time.Now()}))

		got, err := s.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "new", got.Text)
	})

	t.Run("TotalsDefaultZero", func(t *testing.T) {
		s := open(t)
		totals, err := s.Totals(context.Background(), "day:2024-01-01", "month:2024-01")
		require.NoError(t, err)
		assert.Zero(t, totals["day:2024-01-01"])
		assert.Zero(t, totals["month:2024-01"])
	})

	t.Run("AddSpendAccumulates", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.AddSpend(ctx, 0.25, "day:2024-01-01", "month:2024-01"))
		require.NoError(t, s.AddSpend(ctx, 0.50, "day:2024-01-02", "month:2024-01"))

		totals, err := s.Totals(ctx, "day:2024-01-01", "day:2024-01-02", "month:2024-01")
		require.NoError(t, err)
		assert.InDelta(t, 0.25, totals["day:2024-01-01"], 1e-9)
		assert.InDelta(t, 0.50, totals["day:2024-01-02"], 1e-9)
		assert.InDelta(t, 0.75, totals["month:2024-01"], 1e-9)
	})

	t.Run("ConcurrentAddSpend", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AddSpend(ctx, 0.01, "day:2024-02-02", "month:2024-02"))
			}()
		}
		wg.Wait()

		totals, err := s.Totals(ctx, "day:2024-02-02", "month:2024-02")
		require.NoError(t, err)
		assert.InDelta(t, 0.20, totals["day:2024-02-02"], 1e-9)
		assert.InDelta(t, 0.20, totals["month:2024-02"], 1e-9)
	})

	t.Run("Ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
