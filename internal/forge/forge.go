// Package forge runs a transcript through the whole refinement pipeline:
// quality gate, oracle refinement, integrity repair, reference merge and
// publication. Every stage report is persisted to the document's artifact
// directory, and a run report (stats.json) is written even when a stage
// fails.
package forge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/doumen/vana-forja/internal/artifact"
	"github.com/doumen/vana-forja/internal/audit"
	"github.com/doumen/vana-forja/internal/glossary"
	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/oracle"
	"github.com/doumen/vana-forja/internal/refine"
	"github.com/doumen/vana-forja/internal/repair"
)

// ErrAuditFailed is returned when the raw transcript does not pass the
// quality gate. No oracle spend happens in that case.
var ErrAuditFailed = errors.New("forge: audit failed")

// DefaultInstruction is the editing instruction sent with every chunk when
// none is configured.
const DefaultInstruction = `You are a senior editor of devotional lecture transcripts.
Refine the raw transcript below into clear, well-structured prose.

Rules:
1. Timestamps written as ⟦H:MM:SS⟧ are immutable. Never change, remove, merge or reorder them.
2. Use correct IAST transliteration for Sanskrit terms (Krishna becomes Kṛṣṇa, shastra becomes śāstra).
3. Split the text into coherent paragraphs and start each relevant paragraph with its timestamp.
4. Mark every scriptural quotation as [[REF: name of the scripture]].
5. Keep the speaker's voice; remove only excessive filler words.

Output only the edited text.`

// Document outcomes recorded by the forja.documents metric.
const (
	outcomePublished   = "published"
	outcomeNeedsReview = "needs_review"
	outcomeRejected    = "rejected"
	outcomeFailed      = "failed"
)

// Refiner is the oracle stage. [*refine.Stage] implements it.
type Refiner interface {
	Refine(ctx context.Context, raw, instruction string) (*refine.Result, error)
}

// CostReporter summarises spend for the run report. [*oracle.Gateway]
// implements it.
type CostReporter interface {
	CostSummary(ctx context.Context) (oracle.Summary, error)
}

// Report is the run report written to stats.json.
type Report struct {
	RunID      string `json:"run_id"`
	TraceID    string `json:"trace_id,omitempty"`
	DocumentID string `json:"document_id"`
	SourceURL  string `json:"source_url,omitempty"`

	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	StageSeconds    map[string]float64 `json:"stage_seconds"`

	State  State  `json:"state"`
	Status string `json:"status,omitempty"`

	Audit     *audit.Report         `json:"audit_raw,omitempty"`
	Editor    *refine.Stats         `json:"editor,omitempty"`
	Repair    *repair.Report        `json:"repair,omitempty"`
	Merger    *glossary.MergeReport `json:"merger,omitempty"`
	Fragments int                   `json:"fragments"`

	TotalCostUSD float64         `json:"total_cost"`
	CostSummary  *oracle.Summary `json:"cost_summary,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithResolver merges references against r. Without one the merge stage
// runs offline.
func WithResolver(r glossary.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithPublisher hands finished documents to pub. Without one a run stops at
// [StateReferenced].
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithInstruction replaces [DefaultInstruction].
func WithInstruction(instruction string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(instruction) != "" {
			p.instruction = instruction
		}
	}
}

// WithCostReporter adds the ledger summary to every run report.
func WithCostReporter(c CostReporter) Option {
	return func(p *Pipeline) { p.costs = c }
}

// WithRedactions masks each secret in error strings written to run reports.
func WithRedactions(secrets ...string) Option {
	return func(p *Pipeline) {
		for _, s := range secrets {
			if s != "" {
				p.secrets = append(p.secrets, s)
			}
		}
	}
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline is the document orchestrator. It is safe for concurrent use as
// long as concurrent runs use distinct document IDs.
type Pipeline struct {
	workDir     string
	auditor     *audit.Auditor
	refiner     Refiner
	repairer    *repair.Repairer
	resolver    glossary.Resolver
	publisher   Publisher
	costs       CostReporter
	instruction string
	secrets     []string
	metrics     *observe.Metrics
	now         func() time.Time
}

// New creates a Pipeline writing artifacts under workDir/<document id>.
func New(workDir string, auditor *audit.Auditor, refiner Refiner, repairer *repair.Repairer, opts ...Option) *Pipeline {
	p := &Pipeline{
		workDir:     workDir,
		auditor:     auditor,
		refiner:     refiner,
		repairer:    repairer,
		instruction: DefaultInstruction,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ArtifactDir returns the artifact directory path of a document.
func (p *Pipeline) ArtifactDir(id string) string { return filepath.Join(p.workDir, id) }

// Run processes doc. The returned report is never nil once the artifact
// directory exists; on failure it describes how far the document got and
// what was spent, and it has already been written to stats.json.
func (p *Pipeline) Run(ctx context.Context, doc *Document) (rep *Report, err error) {
	ctx = observe.WithDocument(ctx, doc.ID)
	ctx, span := observe.StartSpan(ctx, "forge.run")
	defer span.End()
	log := observe.Logger(ctx)

	dir, err := artifact.Open(p.ArtifactDir(doc.ID))
	if err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}

	rep = &Report{
		RunID:        uuid.NewString(),
		TraceID:      observe.TraceID(ctx),
		DocumentID:   doc.ID,
		SourceURL:    doc.SourceURL,
		StartedAt:    p.now().UTC(),
		StageSeconds: make(map[string]float64),
		State:        StateRaw,
	}
	span.SetAttributes(attribute.String("forja.run_id", rep.RunID))
	log.Info("forging document", "run_id", rep.RunID, "words", len(strings.Fields(doc.Text)))

	defer func() {
		outcome := p.finish(ctx, dir, rep, err)
		p.metrics.RecordDocument(ctx, outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, rep.Error)
			log.Error("document failed", "state", rep.State, "err", rep.Error, "cost_usd", rep.TotalCostUSD)
			return
		}
		log.Info("document finished", "state", rep.State, "status", rep.Status,
			"cost_usd", rep.TotalCostUSD, "duration_s", rep.DurationSeconds)
	}()

	// Quality gate.
	rep.State = StateAudited
	var ar *audit.Report
	p.stage(ctx, rep, "audit", func() { ar = p.auditor.Audit(doc.Text, doc.CoverageSeconds) })
	rep.Audit = ar
	if err := dir.WriteJSON(artifact.AuditReport, ar); err != nil {
		return rep, err
	}
	if !ar.OK {
		return rep, fmt.Errorf("%w: %s", ErrAuditFailed, strings.Join(ar.Reasons, "; "))
	}

	// Guard, chunk, refine and reassemble.
	rep.State = StateRefined
	start := time.Now()
	res, rerr := p.refiner.Refine(ctx, doc.Text, p.instruction)
	rep.StageSeconds["refine"] = seconds(time.Since(start))
	if res != nil {
		rep.Editor = &res.Stats
		rep.TotalCostUSD = res.Stats.CostUSD
		if err := dir.WriteJSON(artifact.EditorStats, res.Stats); err != nil {
			return rep, errors.Join(rerr, err)
		}
	}
	if rerr != nil {
		return rep, fmt.Errorf("forge: refine: %w", rerr)
	}
	rep.State = StateReassembled
	if err := dir.WriteText(artifact.EditedText, res.Text); err != nil {
		return rep, err
	}

	// Restore public timestamps and judge integrity.
	rep.State = StateRepaired
	var (
		repaired string
		rr       *repair.Report
	)
	p.stage(ctx, rep, "repair", func() { repaired, rr = p.repairer.Repair(res.Text) })
	rep.Repair = rr
	if err := dir.WriteJSON(artifact.RepairReport, rr); err != nil {
		return rep, err
	}
	if err := dir.WriteText(artifact.RepairedText, repaired); err != nil {
		return rep, err
	}
	rep.Status = StatusClean
	if !rr.Clean() || res.Stats.Integrity != refine.IntegrityOK {
		rep.Status = StatusNeedsReview
		log.Warn("timestamp integrity diverged, document needs review",
			"ts_original", res.Stats.MarkersOriginal, "found_guarded", rr.Timestamps.FoundGuarded,
			"final_count", rr.Timestamps.Final)
	}

	// Resolve references and extract fragments.
	rep.State = StateReferenced
	var (
		final string
		mr    *glossary.MergeReport
		frags []glossary.Fragment
	)
	p.stage(ctx, rep, "merge", func() {
		final, mr = glossary.Merge(repaired, p.resolver)
		frags = glossary.Fragments(final, rep.RunID)
	})
	rep.Merger = mr
	rep.Fragments = len(frags)
	if frags == nil {
		frags = []glossary.Fragment{}
	}
	if err := dir.WriteJSON(artifact.MergerReport, mr); err != nil {
		return rep, err
	}
	if err := dir.WriteJSON(artifact.Fragments, frags); err != nil {
		return rep, err
	}
	if err := dir.WriteText(artifact.FinalText, final); err != nil {
		return rep, err
	}

	if p.publisher == nil {
		rep.Success = true
		return rep, nil
	}
	rep.State = StatePublished
	var perr error
	p.stage(ctx, rep, "publish", func() {
		perr = p.publisher.Publish(ctx, Publication{
			DocumentID: doc.ID,
			RunID:      rep.RunID,
			SourceURL:  doc.SourceURL,
			Status:     rep.Status,
			Text:       final,
			Fragments:  frags,
		})
	})
	if perr != nil {
		return rep, fmt.Errorf("forge: publish: %w", perr)
	}
	rep.Success = true
	return rep, nil
}

// stage times fn as a named pipeline stage.
func (p *Pipeline) stage(ctx context.Context, rep *Report, name string, fn func()) {
	_, span := observe.StartSpan(ctx, "forge."+name)
	start := time.Now()
	fn()
	d := time.Since(start)
	span.End()
	rep.StageSeconds[name] = seconds(d)
	p.metrics.RecordStage(ctx, name, d)
}

// finish completes rep and persists it. It returns the document outcome.
func (p *Pipeline) finish(ctx context.Context, dir *artifact.Dir, rep *Report, err error) string {
	rep.FinishedAt = p.now().UTC()
	rep.DurationSeconds = seconds(rep.FinishedAt.Sub(rep.StartedAt))
	rep.TotalCostUSD = math.Round(rep.TotalCostUSD*1e4) / 1e4
	if err != nil {
		rep.Success = false
		rep.Error = p.redact(err.Error())
	}
	if p.costs != nil {
		if s, cerr := p.costs.CostSummary(context.WithoutCancel(ctx)); cerr == nil {
			rep.CostSummary = &s
		} else {
			observe.Logger(ctx).Warn("cost summary unavailable", "err", cerr)
		}
	}
	if werr := dir.WriteJSON(artifact.RunReport, rep); werr != nil {
		observe.Logger(ctx).Error("failed to write run report", "err", werr)
	}

	switch {
	case errors.Is(err, ErrAuditFailed):
		return outcomeRejected
	case err != nil:
		return outcomeFailed
	case rep.Status == StatusNeedsReview:
		return outcomeNeedsReview
	default:
		return outcomePublished
	}
}

func (p *Pipeline) redact(s string) string {
	for _, secret := range p.secrets {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

func seconds(d time.Duration) float64 { return math.Round(d.Seconds()*100) / 100 }
