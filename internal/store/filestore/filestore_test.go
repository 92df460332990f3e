package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doumen/vana-forja/internal/store"
	"github.com/doumen/vana-forja/internal/store/storetest"
)

func open(t *testing.T) store.Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, open)
}

func TestReopenReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddSpend(ctx, 1.5, "day:2024-01-01", "month:2024-01"))
	require.NoError(t, s.AddSpend(ctx, 0.5, "day:2024-01-01", "month:2024-01"))
	require.NoError(t, s.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	defer s2.Close()

	totals, err := s2.Totals(ctx, "day:2024-01-01", "month:2024-01")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, totals["day:2024-01-01"], 1e-9)
	assert.InDelta(t, 2.0, totals["month:2024-01"], 1e-9)
}

func TestTornJournalLineIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddSpend(ctx, 1.0, "day:2024-01-01"))
	require.NoError(t, s.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(dir, journalName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2024-01-01T00:00:00Z","usd":9`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s2.AddSpend(ctx, 0.25, "day:2024-01-01"))
	require.NoError(t, s2.Close())

	s3, err := New(dir)
	require.NoError(t, err)
	defer s3.Close()
	totals, err := s3.Totals(ctx, "day:2024-01-01")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, totals["day:2024-01-01"], 1e-9)
}

// flakyJournal writes half of the next record and then fails.
type flakyJournal struct {
	*os.File
	failWrite    bool
	failTruncate bool
}

var errDiskFull = errors.New("no space left on device")

func (j *flakyJournal) Write(p []byte) (int, error) {
	if j.failWrite {
		j.failWrite = false
		n, _ := j.File.Write(p[:len(p)/2])
		return n, errDiskFull
	}
	return j.File.Write(p)
}

func (j *flakyJournal) Truncate(size int64) error {
	if j.failTruncate {
		return errDiskFull
	}
	return j.File.Truncate(size)
}

func TestFailedAppendIsRolledBack(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddSpend(ctx, 1.0, "day:2024-01-01"))

	s.journal = &flakyJournal{File: s.journal.(*os.File), failWrite: true}
	err = s.AddSpend(ctx, 5.0, "day:2024-01-01")
	require.ErrorIs(t, err, errDiskFull)

	totals, err := s.Totals(ctx, "day:2024-01-01")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, totals["day:2024-01-01"], 1e-9, "failed spend must not be observed")

	require.NoError(t, s.AddSpend(ctx, 0.5, "day:2024-01-01"))
	require.NoError(t, s.Close())

	s2, err := New(dir)
	require.NoError(t, err, "journal must stay replayable after a failed append")
	defer s2.Close()
	totals, err = s2.Totals(ctx, "day:2024-01-01")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, totals["day:2024-01-01"], 1e-9)
}

func TestFailedRollbackRefusesFurtherSpend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	s.journal = &flakyJournal{File: s.journal.(*os.File), failWrite: true, failTruncate: true}
	require.ErrorIs(t, s.AddSpend(ctx, 1.0, "day:2024-01-01"), errDiskFull)

	err = s.AddSpend(ctx, 1.0, "day:2024-01-01")
	require.Error(t, err)
	assert.ErrorContains(t, err, "journal unusable")
}

func TestRejectsPathTraversalKeys(t *testing.T) {
	s := open(t)
	_, err := s.Lookup(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, s.Save(context.Background(), store.CacheEntry{Key: "a/b"}))
}
