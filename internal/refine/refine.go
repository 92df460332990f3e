// Package refine drives a document through the oracle: it guards the
// timestamps, splits the text into chunks, edits each chunk and reassembles
// the answers in their original order.
package refine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doumen/vana-forja/internal/chunk"
	"github.com/doumen/vana-forja/internal/guard"
	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/oracle"
)

// Integrity verdicts reported in [Stats.Integrity].
const (
	IntegrityOK      = "ok"
	IntegrityWarning = "warning"
)

// chunkSeparator joins edited chunks. Oracles tend to trim trailing newlines,
// so a blank line keeps chunk boundaries as paragraph breaks.
const chunkSeparator = "\n\n"

// Editor rewrites one piece of content. [*oracle.Gateway] implements it.
type Editor interface {
	Edit(ctx context.Context, instruction, content string) (*oracle.Response, error)
}

// EditorFunc adapts a function to [Editor].
type EditorFunc func(ctx context.Context, instruction, content string) (*oracle.Response, error)

// Edit calls f.
func (f EditorFunc) Edit(ctx context.Context, instruction, content string) (*oracle.Response, error) {
	return f(ctx, instruction, content)
}

// Stats summarises one refinement run. It is written to editor_stats.json.
type Stats struct {
	OK bool `json:"ok"`

	// Provider and Model name the backend that answered the last chunk.
	Provider string `json:"provider"`
	Model    string `json:"model"`

	CostUSD         float64 `json:"cost_usd"`
	Chunks          int     `json:"chunks"`
	CompletedChunks int     `json:"completed_chunks"`
	CachedChunks    int     `json:"cached_chunks"`

	// MarkersOriginal counts public timestamps in the raw input;
	// MarkersPreserved counts guarded timestamps in the reassembled output.
	MarkersOriginal  int    `json:"ts_original"`
	MarkersPreserved int    `json:"ts_preserved"`
	Integrity        string `json:"integrity"`

	Error string `json:"error,omitempty"`
}

// Result is the output of [Stage.Refine]. Text still carries guarded
// timestamps.
type Result struct {
	Text  string
	Stats Stats
}

// Option configures a [Stage].
type Option func(*Stage)

// WithMaxChars sets the chunk budget in characters.
func WithMaxChars(n int) Option {
	return func(s *Stage) { s.maxChars = n }
}

// WithConcurrency sets how many chunks are edited at once. Values below 1
// are treated as 1.
func WithConcurrency(n int) Option {
	return func(s *Stage) { s.concurrency = max(n, 1) }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// Stage is the refinement step of the pipeline.
type Stage struct {
	editor      Editor
	maxChars    int
	concurrency int
	metrics     *observe.Metrics
}

// New returns a Stage editing through editor.
func New(editor Editor, opts ...Option) *Stage {
	s := &Stage{
		editor:      editor,
		maxChars:    chunk.DefaultMaxChars,
		concurrency: 1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Refine protects the timestamps in raw, edits every chunk with instruction
// and joins the answers with a blank line.
//
// The first chunk failure stops the run: no further chunks are started and
// the error is returned together with a Result whose Stats cover the chunks
// that did complete, so their spend can be reported. A marker count that
// differs between input and output is logged and flagged in the stats but is
// not an error.
func (s *Stage) Refine(ctx context.Context, raw, instruction string) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "refine")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.RecordStage(ctx, "refine", time.Since(start)) }()

	log := observe.Logger(ctx)
	chunks := chunk.Split(guard.Protect(raw), s.maxChars)
	answers := make([]*oracle.Response, len(chunks))

	log.Info("refining document", "chunks", len(chunks), "concurrency", s.concurrency)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for _, c := range chunks {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			s.metrics.ChunksInFlight.Add(egCtx, 1)
			defer s.metrics.ChunksInFlight.Add(egCtx, -1)

			resp, err := s.editor.Edit(egCtx, instruction, c.Text)
			if err != nil {
				return fmt.Errorf("refine: chunk %d: %w", c.Index, err)
			}
			answers[c.Index] = resp

			source := "live"
			if resp.Cached {
				source = "cache"
			}
			log.Info("chunk refined", "chunk", c.Index, "source", source,
				"provider", resp.Provider, "cost_usd", resp.CostUSD)
			return nil
		})
	}
	err := eg.Wait()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("refine: %w", ctx.Err())
	}

	stats := Stats{
		Chunks:          len(chunks),
		MarkersOriginal: guard.CountPublic(raw),
	}
	var cost float64
	parts := make([]string, 0, len(answers))
	for _, a := range answers {
		if a == nil {
			continue
		}
		stats.CompletedChunks++
		if a.Cached {
			stats.CachedChunks++
		}
		stats.Provider, stats.Model = a.Provider, a.Model
		cost += a.CostUSD
		parts = append(parts, a.Text)
	}
	stats.CostUSD = math.Round(cost*1e4) / 1e4

	if err != nil {
		stats.Error = err.Error()
		span.RecordError(err)
		return &Result{Stats: stats}, err
	}

	text := strings.Join(parts, chunkSeparator)
	stats.OK = true
	stats.MarkersPreserved = guard.CountGuarded(text)
	stats.Integrity = IntegrityOK
	if stats.MarkersPreserved != stats.MarkersOriginal {
		stats.Integrity = IntegrityWarning
		s.metrics.RecordMarkerDivergence(ctx, "refine")
		log.Warn("timestamp count changed during refinement",
			"ts_original", stats.MarkersOriginal, "ts_preserved", stats.MarkersPreserved)
	}

	log.Info("document refined", "chunks", stats.Chunks, "cached_chunks", stats.CachedChunks,
		"cost_usd", stats.CostUSD, "integrity", stats.Integrity)
	return &Result{Text: text, Stats: stats}, nil
}
