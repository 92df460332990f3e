package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doumen/vana-forja/internal/store"
	"github.com/doumen/vana-forja/internal/store/postgres"
	"github.com/doumen/vana-forja/internal/store/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if FORJA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FORJA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORJA_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] over empty tables.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS oracle_cache",
		"DROP TABLE IF EXISTS spend_ledger",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestNewStore_BadDSN(t *testing.T) {
	if _, err := postgres.NewStore(context.Background(), "::not a dsn::"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
