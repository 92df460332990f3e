// Package filestore is the directory-backed store.Store.
//
// Layout under the root directory:
//
//	cache/<fingerprint>.json   one file per cached oracle response
//	ledger.jsonl               append-only spend journal
//
// Cache files are replaced atomically. Every spend is one journal line that
// carries all period keys it applies to, fsynced before the in-memory totals
// change, so a crash can lose at most the line being written and never half
// of a day/month pair. A failed append is truncated away before AddSpend
// returns. The journal is replayed on [New].
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/doumen/vana-forja/internal/fsutil"
	"github.com/doumen/vana-forja/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const journalName = "ledger.jsonl"

var validKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// journalRecord is a single spend line in ledger.jsonl.
type journalRecord struct {
	Timestamp time.Time `json:"ts"`
	Amount    float64   `json:"usd"`
	Keys      []string  `json:"keys"`
}

// journalFile is the subset of *os.File the ledger journal needs.
type journalFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// Store persists the cache and ledger under a local directory.
// Thread-safe for concurrent use within one process.
type Store struct {
	dir string

	cacheMu sync.RWMutex

	ledgerMu sync.Mutex
	journal  journalFile
	end      int64 // offset just past the last durable line
	broken   error // set when a failed append could not be rolled back
	totals   map[string]float64
}

// New opens (creating if needed) a store rooted at dir and replays its spend
// journal.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "cache"), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	path := filepath.Join(dir, journalName)
	totals, good, err := replay(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open journal: %w", err)
	}
	// Drop a torn trailing line so the next append starts on a clean line.
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: truncate journal: %w", err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: seek journal: %w", err)
	}

	return &Store{dir: dir, journal: f, end: good, totals: totals}, nil
}

// replay folds the journal into per-key totals and returns the byte offset
// just past the last intact line.
func replay(path string) (map[string]float64, int64, error) {
	totals := make(map[string]float64)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return totals, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("filestore: open journal: %w", err)
	}
	defer f.Close()

	var (
		r      = bufio.NewReader(f)
		offset int64
		lineNo int
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lineNo++
			var rec journalRecord
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return nil, 0, fmt.Errorf("filestore: journal line %d: %w", lineNo, jerr)
			}
			for _, k := range rec.Keys {
				totals[k] += rec.Amount
			}
			offset += int64(len(line))
		} else if len(line) > 0 {
			slog.Warn("filestore: discarding torn journal line", "path", path, "bytes", len(line))
		}
		if errors.Is(err, io.EOF) {
			return totals, offset, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("filestore: read journal: %w", err)
		}
	}
}

func (s *Store) cachePath(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("filestore: invalid cache key %q", key)
	}
	return filepath.Join(s.dir, "cache", key+".json"), nil
}

// Lookup implements store.Cache.
func (s *Store) Lookup(_ context.Context, key string) (*store.CacheEntry, error) {
	path, err := s.cachePath(key)
	if err != nil {
		return nil, err
	}

	s.cacheMu.RLock()
	data, err := os.ReadFile(path)
	s.cacheMu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read cache: %w", err)
	}

	var e store.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("filestore: decode cache %s: %w", key, err)
	}
	return &e, nil
}

// Save implements store.Cache.
func (s *Store) Save(_ context.Context, e store.CacheEntry) error {
	path, err := s.cachePath(e.Key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("filestore: marshal cache: %w", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write cache: %w", err)
	}
	return nil
}

// Totals implements store.Ledger.
func (s *Store) Totals(_ context.Context, keys ...string) (map[string]float64, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = s.totals[k]
	}
	return out, nil
}

// AddSpend implements store.Ledger.
func (s *Store) AddSpend(_ context.Context, amount float64, keys ...string) error {
	data, err := json.Marshal(journalRecord{
		Timestamp: time.Now().UTC(),
		Amount:    amount,
		Keys:      keys,
	})
	if err != nil {
		return fmt.Errorf("filestore: marshal spend: %w", err)
	}
	data = append(data, '\n')

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if s.journal == nil {
		return fmt.Errorf("filestore: store is closed")
	}
	if s.broken != nil {
		return fmt.Errorf("filestore: journal unusable: %w", s.broken)
	}
	if _, err := s.journal.Write(data); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("filestore: append journal: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("filestore: sync journal: %w", err)
	}
	s.end += int64(len(data))
	for _, k := range keys {
		s.totals[k] += amount
	}
	return nil
}

// rollbackLocked cuts the journal back to the last durable line. When that
// fails the store refuses further spend rather than append after a fragment.
func (s *Store) rollbackLocked() {
	err := s.journal.Truncate(s.end)
	if err == nil {
		_, err = s.journal.Seek(s.end, io.SeekStart)
	}
	if err != nil {
		slog.Error("filestore: journal rollback failed", "dir", s.dir, "err", err)
		s.broken = err
	}
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
