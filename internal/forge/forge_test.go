package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/doumen/vana-forja/internal/artifact"
	"github.com/doumen/vana-forja/internal/audit"
	"github.com/doumen/vana-forja/internal/glossary"
	"github.com/doumen/vana-forja/internal/guard"
	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/oracle"
	"github.com/doumen/vana-forja/internal/refine"
	"github.com/doumen/vana-forja/internal/repair"
	"github.com/doumen/vana-forja/internal/resilience"
	"github.com/doumen/vana-forja/internal/store/filestore"
	"github.com/doumen/vana-forja/pkg/provider/llm"
	"github.com/doumen/vana-forja/pkg/provider/llm/mock"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("palavra ", n))
}

// lecture spreads 500 words over 12 ascending markers, one per 50 seconds.
func lecture() string {
	var b strings.Builder
	remaining := 500
	for i := range 12 {
		n := 42
		if i == 11 {
			n = remaining
		}
		remaining -= n
		fmt.Fprintf(&b, "[0:%02d:%02d] %s\n", (i*50)/60, (i*50)%60, words(n))
	}
	return b.String()
}

// twoChunkBudget is a chunk budget that splits text into exactly two chunks.
func twoChunkBudget(text string) int {
	return utf8.RuneCountInString(text) * 6 / 10
}

type fixture struct {
	p       *Pipeline
	gw      *oracle.Gateway
	primary *mock.Provider
	work    string
	reader  *sdkmetric.ManualReader

	mu        sync.Mutex
	published []Publication
}

type fixtureConfig struct {
	limits    oracle.Limits
	maxChars  int
	complete  func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error)
	publisher Publisher
	opts      []Option
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	if fc.limits == (oracle.Limits{}) {
		fc.limits = oracle.Limits{DayUSD: 5, MonthUSD: 100}
	}
	if fc.complete == nil {
		fc.complete = mock.Echo()
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	st, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		primary: &mock.Provider{ProviderName: "claude", ModelName: "claude-3-5-sonnet-latest", CompleteFunc: fc.complete},
		work:    t.TempDir(),
		reader:  reader,
	}
	chain := resilience.NewLLMFallback(f.primary, "claude", resilience.LLMFallbackConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	})
	f.gw = oracle.New(chain, st, oracle.NewLedger(st, fc.limits, nil), oracle.WithMetrics(m))

	stage := refine.New(f.gw, refine.WithMaxChars(fc.maxChars), refine.WithConcurrency(2), refine.WithMetrics(m))

	pub := fc.publisher
	if pub == nil {
		pub = PublisherFunc(func(_ context.Context, p Publication) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.published = append(f.published, p)
			return nil
		})
	}
	opts := append([]Option{WithMetrics(m), WithPublisher(pub), WithCostReporter(f.gw)}, fc.opts...)
	f.p = New(f.work, audit.New(audit.Thresholds{}), stage, repair.New(), opts...)
	return f
}

func (f *fixture) dir(t *testing.T, id string) *artifact.Dir {
	t.Helper()
	d, err := artifact.Open(f.p.ArtifactDir(id))
	require.NoError(t, err)
	return d
}

func (f *fixture) documentCount(t *testing.T, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "forja.documents" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("status")); ok && v.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestRun_EndToEndLecture(t *testing.T) {
	text := lecture()
	f := newFixture(t, fixtureConfig{maxChars: twoChunkBudget(text)})
	doc := &Document{ID: "palestra-1", Text: text, CoverageSeconds: 600, SourceURL: "https://example.org/live/1"}

	rep, err := f.p.Run(context.Background(), doc)
	require.NoError(t, err)

	assert.True(t, rep.Success)
	assert.Equal(t, StatePublished, rep.State)
	assert.Equal(t, StatusClean, rep.Status)
	assert.NotEmpty(t, rep.RunID)

	require.NotNil(t, rep.Audit)
	assert.True(t, rep.Audit.OK)
	assert.Equal(t, 50.0, rep.Audit.Metrics.WPM)

	require.NotNil(t, rep.Editor)
	assert.Equal(t, 2, rep.Editor.Chunks)
	assert.Equal(t, 12, rep.Editor.MarkersOriginal)
	assert.Equal(t, 12, rep.Editor.MarkersPreserved)
	assert.Equal(t, refine.IntegrityOK, rep.Editor.Integrity)
	assert.Equal(t, 2, f.primary.Calls())

	require.NotNil(t, rep.Repair)
	assert.Equal(t, repair.Excellent, rep.Repair.Integrity)
	assert.Equal(t, 12, rep.Repair.Timestamps.FoundGuarded)
	assert.Equal(t, 12, rep.Repair.Timestamps.Final)

	assert.Greater(t, rep.TotalCostUSD, 0.0)
	require.NotNil(t, rep.CostSummary)
	assert.Equal(t, "claude", rep.CostSummary.Provider)

	d := f.dir(t, doc.ID)
	for _, name := range []string{
		artifact.AuditReport, artifact.EditorStats, artifact.RepairReport, artifact.MergerReport,
		artifact.Fragments, artifact.RunReport, artifact.EditedText, artifact.RepairedText, artifact.FinalText,
	} {
		assert.True(t, d.Exists(name), "missing artifact %s", name)
	}

	final, err := d.ReadText(artifact.FinalText)
	require.NoError(t, err)
	assert.Equal(t, 12, guard.CountPublic(final))
	assert.Zero(t, guard.CountGuarded(final), "final text still carries guarded markers")

	var onDisk Report
	require.NoError(t, d.ReadJSON(artifact.RunReport, &onDisk))
	assert.True(t, onDisk.Success)
	assert.Equal(t, rep.RunID, onDisk.RunID)
	assert.Equal(t, StatePublished, onDisk.State)

	require.Len(t, f.published, 1)
	assert.Equal(t, StatusClean, f.published[0].Status)
	assert.Equal(t, doc.SourceURL, f.published[0].SourceURL)
	assert.Equal(t, final, f.published[0].Text)
	assert.Equal(t, int64(1), f.documentCount(t, "published"))
}

func TestRun_ReportCarriesCallerTrace(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("batch").Start(context.Background(), "batch")
	defer span.End()

	rep, err := f.p.Run(ctx, &Document{ID: "rastreada", Text: lecture(), CoverageSeconds: 600})
	require.NoError(t, err)
	assert.Equal(t, span.SpanContext().TraceID().String(), rep.TraceID)

	untraced, err := f.p.Run(context.Background(), &Document{ID: "solta", Text: lecture(), CoverageSeconds: 600})
	require.NoError(t, err)
	assert.Empty(t, untraced.TraceID)
}

func TestRun_AuditRejectsWithoutSpend(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	doc := &Document{ID: "curta", Text: "[0:00:00] " + words(20), CoverageSeconds: 600}

	rep, err := f.p.Run(context.Background(), doc)
	require.ErrorIs(t, err, ErrAuditFailed)
	assert.Contains(t, err.Error(), "speech density too low")

	assert.False(t, rep.Success)
	assert.Equal(t, StateAudited, rep.State)
	assert.Zero(t, f.primary.Calls())
	assert.Nil(t, rep.Editor)

	d := f.dir(t, doc.ID)
	assert.True(t, d.Exists(artifact.AuditReport))
	assert.False(t, d.Exists(artifact.EditorStats))

	var onDisk Report
	require.NoError(t, d.ReadJSON(artifact.RunReport, &onDisk))
	assert.False(t, onDisk.Success)
	assert.Contains(t, onDisk.Error, "audit failed")
	assert.Equal(t, int64(1), f.documentCount(t, "rejected"))
}

func TestRun_BudgetRefusalWritesPartialReport(t *testing.T) {
	text := lecture()
	f := newFixture(t, fixtureConfig{
		limits:   oracle.Limits{DayUSD: 1e-9, MonthUSD: 100},
		maxChars: twoChunkBudget(text),
	})

	rep, err := f.p.Run(context.Background(), &Document{ID: "cara", Text: text, CoverageSeconds: 600})
	require.ErrorIs(t, err, oracle.ErrBudgetExceeded)

	assert.Equal(t, StateRefined, rep.State)
	assert.False(t, rep.Success)
	assert.Zero(t, f.primary.Calls())
	require.NotNil(t, rep.Editor)
	assert.Equal(t, 0, rep.Editor.CompletedChunks)
	assert.Zero(t, rep.TotalCostUSD)

	d := f.dir(t, "cara")
	assert.True(t, d.Exists(artifact.EditorStats))
	assert.False(t, d.Exists(artifact.EditedText))

	var onDisk Report
	require.NoError(t, d.ReadJSON(artifact.RunReport, &onDisk))
	assert.Contains(t, onDisk.Error, "budget exceeded")
	assert.Equal(t, StateRefined, onDisk.State)
}

func TestRun_MarkerLostInRefinementNeedsReview(t *testing.T) {
	text := lecture()
	drop := func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		resp, err := mock.Echo()(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Content = strings.Replace(resp.Content, "⟦0:00:00⟧ ", "", 1)
		return resp, nil
	}
	f := newFixture(t, fixtureConfig{maxChars: twoChunkBudget(text), complete: drop})

	rep, err := f.p.Run(context.Background(), &Document{ID: "lacuna", Text: text, CoverageSeconds: 600})
	require.NoError(t, err)

	assert.True(t, rep.Success)
	assert.Equal(t, StatusNeedsReview, rep.Status)
	assert.Equal(t, refine.IntegrityWarning, rep.Editor.Integrity)
	assert.Equal(t, repair.Excellent, rep.Repair.Integrity, "repair only judges its own stage")
	assert.Equal(t, 11, rep.Repair.Timestamps.Final)

	require.Len(t, f.published, 1)
	assert.Equal(t, StatusNeedsReview, f.published[0].Status)
	assert.Equal(t, int64(1), f.documentCount(t, "needs_review"))
}

func TestRun_SecondRunServedFromCache(t *testing.T) {
	text := lecture()
	f := newFixture(t, fixtureConfig{maxChars: twoChunkBudget(text)})
	doc := &Document{ID: "repetida", Text: text, CoverageSeconds: 600}
	ctx := context.Background()

	_, err := f.p.Run(ctx, doc)
	require.NoError(t, err)
	rep, err := f.p.Run(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, 2, f.primary.Calls())
	assert.Equal(t, 2, rep.Editor.CachedChunks)
	assert.Zero(t, rep.TotalCostUSD)
}

func TestRun_MergesGlossaryAndExtractsFragments(t *testing.T) {
	text := lecture()
	story := "\n[vana-story title=\"The Parrot\"]⟦0:00:50⟧ A parrot repeats [[REF: BG  2.13]][/vana-story]"
	annotate := func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		resp, err := mock.Echo()(ctx, req)
		if err != nil {
			return nil, err
		}
		if strings.Contains(resp.Content, "⟦0:00:00⟧") {
			resp.Content = strings.Replace(resp.Content, "⟦0:00:50⟧", "", 1) + story
		}
		return resp, nil
	}
	table := glossary.NewTable(map[string]string{"bg 2.13": "dehino 'smin <yathā> dehe"})
	f := newFixture(t, fixtureConfig{
		maxChars: twoChunkBudget(text),
		complete: annotate,
		opts:     []Option{WithResolver(table)},
	})

	rep, err := f.p.Run(context.Background(), &Document{ID: "historia", Text: text, CoverageSeconds: 600})
	require.NoError(t, err)

	require.NotNil(t, rep.Merger)
	assert.Equal(t, glossary.StatusOnline, rep.Merger.GlossaryStatus)
	assert.Equal(t, 1, rep.Merger.Refs.Found)
	assert.Equal(t, 1, rep.Merger.Refs.Resolved)
	assert.Equal(t, 1, rep.Fragments)
	assert.Equal(t, StatusClean, rep.Status)

	d := f.dir(t, "historia")
	final, err := d.ReadText(artifact.FinalText)
	require.NoError(t, err)
	assert.Contains(t, final, "[note]dehino &#39;smin &lt;yathā&gt; dehe[/note]")

	var frags []glossary.Fragment
	require.NoError(t, d.ReadJSON(artifact.Fragments, &frags))
	require.Len(t, frags, 1)
	assert.Equal(t, "story", frags[0].Type)
	assert.Equal(t, "The Parrot", frags[0].Title)
	assert.Equal(t, "0:00:50", frags[0].Timestamp)
	assert.Equal(t, rep.RunID, frags[0].VersionID)

	require.Len(t, f.published, 1)
	assert.Len(t, f.published[0].Fragments, 1)
}

func TestRun_WithoutPublisherStopsAtReferenced(t *testing.T) {
	text := lecture()
	f := newFixture(t, fixtureConfig{maxChars: twoChunkBudget(text)})
	f.p.publisher = nil

	rep, err := f.p.Run(context.Background(), &Document{ID: "local", Text: text, CoverageSeconds: 600})
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.Equal(t, StateReferenced, rep.State)
	assert.Empty(t, f.published)
}

func TestRun_RedactsSecretsFromReport(t *testing.T) {
	text := lecture()
	f := newFixture(t, fixtureConfig{
		maxChars: twoChunkBudget(text),
		publisher: PublisherFunc(func(context.Context, Publication) error {
			return errors.New("401 for token sk-live-123")
		}),
		opts: []Option{WithRedactions("", "sk-live-123")},
	})

	rep, err := f.p.Run(context.Background(), &Document{ID: "segredo", Text: text, CoverageSeconds: 600})
	require.Error(t, err)
	assert.Equal(t, StatePublished, rep.State)
	assert.False(t, rep.Success)
	assert.NotContains(t, rep.Error, "sk-live-123")
	assert.Contains(t, rep.Error, "***")

	raw, err := os.ReadFile(filepath.Join(f.p.ArtifactDir("segredo"), artifact.RunReport))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-123")
	assert.Equal(t, int64(1), f.documentCount(t, "failed"))
}

func TestWithInstruction_BlankKeepsDefault(t *testing.T) {
	p := New(t.TempDir(), audit.New(audit.Thresholds{}), nil, repair.New(), WithInstruction("  "))
	assert.Equal(t, DefaultInstruction, p.instruction)

	p = New(t.TempDir(), audit.New(audit.Thresholds{}), nil, repair.New(), WithInstruction("edit"))
	assert.Equal(t, "edit", p.instruction)
}
