// Package app wires the forja subsystems into a ready pipeline.
//
// The App struct owns the full lifecycle: New opens the store, builds the
// oracle chain and the document pipeline, and Shutdown releases everything
// in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doumen/vana-forja/internal/audit"
	"github.com/doumen/vana-forja/internal/config"
	"github.com/doumen/vana-forja/internal/forge"
	"github.com/doumen/vana-forja/internal/glossary"
	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/oracle"
	"github.com/doumen/vana-forja/internal/refine"
	"github.com/doumen/vana-forja/internal/repair"
	"github.com/doumen/vana-forja/internal/resilience"
	"github.com/doumen/vana-forja/internal/store"
	"github.com/doumen/vana-forja/internal/store/filestore"
	"github.com/doumen/vana-forja/internal/store/postgres"
	"github.com/doumen/vana-forja/internal/store/sqlite"
	"github.com/doumen/vana-forja/pkg/provider/llm"
)

// ErrNoProvider is returned when none of the oracle chain's providers could
// be created.
var ErrNoProvider = errors.New("app: no oracle provider available")

// Providers holds the LLM backends created from the config registry, keyed
// by their logical name in the providers section. Populated by main via
// the config registry.
type Providers struct {
	LLM map[string]llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems: initialised in New, torn down in Shutdown.
	store     store.Store
	chain     *resilience.LLMFallback
	ledger    *oracle.Ledger
	gateway   *oracle.Gateway
	auditor   *audit.Auditor
	repairer  *repair.Repairer
	resolver  glossary.Resolver
	publisher forge.Publisher
	pipeline  *forge.Pipeline

	metrics *observe.Metrics
	now     func() time.Time
	getenv  func(string) string
	sleep   func(ctx context.Context, d time.Duration) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a cache and ledger store instead of opening one from
// config. An injected store is not closed by Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects a publisher instead of writing to
// <work_dir>/published.
func WithPublisher(p forge.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces time.Now for the ledger, cache and reports.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithGetenv replaces os.Getenv for API key resolution.
func WithGetenv(getenv func(string) string) Option {
	return func(a *App) { a.getenv = getenv }
}

// WithRetrySleep replaces the timer used between retry attempts.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *App) { a.sleep = sleep }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
		getenv:    os.Getenv,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Oracle chain ──────────────────────────────────────────────────
	if err := a.initChain(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init oracle chain: %w", err)
	}

	// ── 3. Ledger + gateway ──────────────────────────────────────────────
	a.initGateway()

	// ── 4. Quality gate + repairer ───────────────────────────────────────
	a.initChecks()

	// ── 5. Glossary ──────────────────────────────────────────────────────
	if err := a.initGlossary(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init glossary: %w", err)
	}

	// ── 6. Document pipeline ─────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	s, err := OpenStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	slog.Info("store opened", "kind", a.cfg.Store.Kind)
	return nil
}

// OpenStore opens the cache and ledger store described by sc. The caller
// owns the returned store and must Close it.
func OpenStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Kind {
	case config.StoreFile:
		s, err := filestore.New(sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, err
		}
		s, err := sqlite.Open(ctx, sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := postgres.NewStore(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", sc.Kind)
	}
}

// initChain orders the created providers by the oracle chain. Names with no
// created provider are skipped; the first remaining one becomes primary.
func (a *App) initChain() error {
	oc := a.cfg.Oracle
	cfg := resilience.LLMFallbackConfig{
		Fallback: resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  oc.BreakerFailures,
				ResetTimeout: oc.BreakerReset,
				Now:          a.now,
				OnStateChange: func(name string, _, to resilience.State) {
					a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
				},
			},
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:    oc.MaxAttempts,
			BaseDelay:      oc.BackoffBase,
			MaxDelay:       oc.BackoffMax,
			AttemptTimeout: oc.AttemptTimeout,
			Jitter:         true,
			Name:           "oracle",
			Sleep:          a.sleep,
		},
	}

	var llms map[string]llm.Provider
	if a.providers != nil {
		llms = a.providers.LLM
	}
	for _, name := range oc.Chain() {
		p, ok := llms[name]
		if !ok || p == nil {
			slog.Warn("oracle provider unavailable, skipping", "provider", name)
			continue
		}
		if a.chain == nil {
			a.chain = resilience.NewLLMFallback(p, name, cfg)
			continue
		}
		a.chain.AddFallback(name, p)
	}
	if a.chain == nil {
		return ErrNoProvider
	}
	if primary := a.chain.Name(); primary != oc.Primary {
		slog.Warn("configured primary unavailable", "configured", oc.Primary, "primary", primary)
	}
	slog.Info("oracle chain ready", "providers", a.chain.Names(), "model", a.chain.Model())
	return nil
}

// initGateway builds the budget ledger and the caching gateway. Prices
// configured per provider override the built-in table for their model.
func (a *App) initGateway() {
	oc := a.cfg.Oracle
	overrides := make(map[string]float64)
	for _, entry := range a.cfg.Providers {
		if entry.PricePerMillion > 0 {
			overrides[entry.Model] = entry.PricePerMillion
		}
	}

	a.ledger = oracle.NewLedger(a.store, oracle.Limits{
		DayUSD:   oc.BudgetDayUSD,
		MonthUSD: oc.BudgetMonthUSD,
	}, a.now)
	a.gateway = oracle.New(a.chain, a.store, a.ledger,
		oracle.WithClock(a.now),
		oracle.WithCacheTTL(oc.CacheTTL),
		oracle.WithPricing(oracle.DefaultPricing().With(overrides)),
		oracle.WithTemperature(oc.Temperature),
		oracle.WithMaxTokens(a.outputTokens()),
		oracle.WithMetrics(a.metrics),
	)
}

// outputTokens caps the configured completion limit at what the primary
// model can generate. Unknown limits leave the configured value alone.
func (a *App) outputTokens() int {
	want := a.cfg.Oracle.MaxTokens
	caps := a.chain.Capabilities()
	if caps.MaxOutputTokens > 0 && want > caps.MaxOutputTokens {
		slog.Warn("oracle max_tokens above model limit, capping",
			"model", a.chain.Model(), "configured", want, "limit", caps.MaxOutputTokens)
		return caps.MaxOutputTokens
	}
	return want
}

func (a *App) initChecks() {
	a.auditor = NewAuditor(a.cfg.Audit)
	a.repairer = NewRepairer(a.cfg.Repair)
}

// NewAuditor returns the quality gate configured by ac.
func NewAuditor(ac config.AuditConfig) *audit.Auditor {
	return audit.New(audit.Thresholds{
		MinWPM:              ac.MinWPM,
		MinMarkersPerMinute: ac.MinMarkersPerMinute,
	})
}

// NewRepairer returns the integrity repairer configured by rc.
func NewRepairer(rc config.RepairConfig) *repair.Repairer {
	opts := []repair.Option{repair.WithTolerance(rc.Tolerance)}
	if len(rc.ContainerTags) > 0 {
		opts = append(opts, repair.WithContainerTags(rc.ContainerTags...))
	}
	return repair.New(opts...)
}

// initGlossary loads the reference glossary when one is configured. The
// merge stage runs offline otherwise.
func (a *App) initGlossary() error {
	gc := a.cfg.Glossary
	if gc.Path == "" {
		slog.Info("no glossary configured, references stay unresolved")
		return nil
	}

	table, err := glossary.LoadFile(gc.Path)
	if err != nil {
		return err
	}
	if gc.FuzzyThreshold < 0 {
		a.resolver = table
	} else {
		a.resolver = glossary.NewFuzzy(table, glossary.WithFuzzyThreshold(gc.FuzzyThreshold))
	}
	slog.Info("glossary loaded", "path", gc.Path, "entries", table.Len())
	return nil
}

func (a *App) initPipeline() error {
	pc := a.cfg.Pipeline

	var instruction string
	if pc.InstructionFile != "" {
		b, err := os.ReadFile(pc.InstructionFile)
		if err != nil {
			return fmt.Errorf("read instruction: %w", err)
		}
		instruction = string(b)
	}

	stage := refine.New(a.gateway,
		refine.WithMaxChars(pc.MaxChunkChars),
		refine.WithConcurrency(pc.Concurrency),
		refine.WithMetrics(a.metrics),
	)

	if a.publisher == nil {
		a.publisher = forge.NewDirPublisher(filepath.Join(a.cfg.WorkDir, "published"))
	}

	opts := []forge.Option{
		forge.WithPublisher(a.publisher),
		forge.WithInstruction(instruction),
		forge.WithCostReporter(a.gateway),
		forge.WithRedactions(a.secrets()...),
		forge.WithMetrics(a.metrics),
		forge.WithClock(a.now),
	}
	if a.resolver != nil {
		opts = append(opts, forge.WithResolver(a.resolver))
	}
	a.pipeline = forge.New(filepath.Join(a.cfg.WorkDir, "artifacts"), a.auditor, stage, a.repairer, opts...)
	return nil
}

// secrets lists every resolvable API key so run reports can mask them.
func (a *App) secrets() []string {
	var out []string
	for _, entry := range a.cfg.Providers {
		if key := entry.ResolveAPIKey(a.getenv); key != "" {
			out = append(out, key)
		}
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the document orchestrator.
func (a *App) Pipeline() *forge.Pipeline { return a.pipeline }

// Gateway returns the oracle gateway.
func (a *App) Gateway() *oracle.Gateway { return a.gateway }

// Ledger returns the budget ledger.
func (a *App) Ledger() *oracle.Ledger { return a.ledger }

// Auditor returns the quality gate.
func (a *App) Auditor() *audit.Auditor { return a.auditor }

// Repairer returns the integrity repairer.
func (a *App) Repairer() *repair.Repairer { return a.repairer }

// Store returns the cache and ledger store.
func (a *App) Store() store.Store { return a.store }

// Chain returns the ordered oracle provider chain.
func (a *App) Chain() *resilience.LLMFallback { return a.chain }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every subsystem. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
