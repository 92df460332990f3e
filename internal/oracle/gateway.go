package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/resilience"
	"github.com/doumen/vana-forja/internal/store"
	"github.com/doumen/vana-forja/pkg/provider/llm"
)

const (
	// DefaultCacheTTL is how long a cached answer stays valid.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// DefaultTemperature keeps edits close to the source text.
	DefaultTemperature = 0.2

	// DefaultMaxTokens bounds a single answer.
	DefaultMaxTokens = 8192
)

// Completer is an ordered provider chain that reports which provider
// answered. [*resilience.LLMFallback] implements it.
type Completer interface {
	CompleteWithSource(ctx context.Context, req llm.CompletionRequest) (*resilience.Answer, error)

	// Name and Model identify the primary provider, whose price is used for
	// the up-front estimate.
	Name() string
	Model() string
}

// Response is the gateway's answer to one request.
type Response struct {
	Text     string  `json:"text"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	CostUSD  float64 `json:"cost_usd"`
	Cached   bool    `json:"cached"`
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithClock replaces time.Now for cache ageing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithCacheTTL sets the cache validity window. A non-positive ttl keeps
// entries forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.ttl = ttl }
}

// WithPricing replaces the price table.
func WithPricing(p Pricing) Option {
	return func(g *Gateway) { g.pricing = p }
}

// WithTemperature sets the sampling temperature sent to providers.
func WithTemperature(t float64) Option {
	return func(g *Gateway) { g.temperature = t }
}

// WithMaxTokens sets the completion token limit sent to providers.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is the single entry point for oracle calls. It is safe for
// concurrent use.
type Gateway struct {
	chain       Completer
	cache       store.Cache
	ledger      *Ledger
	pricing     Pricing
	ttl         time.Duration
	now         func() time.Time
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

// New returns a Gateway sending requests through chain, caching answers in
// cache and gating spend with ledger.
func New(chain Completer, cache store.Cache, ledger *Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		chain:       chain,
		cache:       cache,
		ledger:      ledger,
		pricing:     DefaultPricing(),
		ttl:         DefaultCacheTTL,
		now:         time.Now,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Edit asks the oracle to apply instruction to content.
//
// A cached answer younger than the TTL is returned with zero cost and no
// ledger or network access. Otherwise the estimated cost is reserved against
// the budget ([ErrBudgetExceeded] on refusal), the provider chain is called,
// and the actual cost of the answer is committed. When every provider fails
// the reservation is released and the error wraps
// [ErrAllProvidersExhausted] together with the last provider error.
func (g *Gateway) Edit(ctx context.Context, instruction, content string) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "oracle.edit")
	defer span.End()

	key := Fingerprint(instruction, content)
	span.SetAttributes(attribute.String("oracle.fingerprint", key))
	log := observe.Logger(ctx).With("fingerprint", key)

	if resp := g.lookup(ctx, key); resp != nil {
		span.SetAttributes(attribute.Bool("oracle.cached", true))
		log.Debug("oracle cache hit", "provider", resp.Provider)
		return resp, nil
	}

	estimate := g.pricing.Estimate(g.chain.Model(), instruction, content)
	res, err := g.ledger.Reserve(ctx, estimate)
	if err != nil {
		var be *BudgetError
		if errors.As(err, &be) {
			g.metrics.RecordBudgetRejection(ctx, be.Period)
			log.Warn("oracle request refused by budget", "period", be.Period,
				"spent_usd", be.Spent, "estimate_usd", be.Estimate, "cap_usd", be.Cap)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	req := llm.UserPrompt(instruction, content)
	req.Temperature = g.temperature
	req.MaxTokens = g.maxTokens

	start := time.Now()
	ans, err := g.chain.CompleteWithSource(ctx, req)
	if err != nil {
		res.Release()
		g.metrics.RecordOracleCall(ctx, g.chain.Name(), "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("oracle: edit: %w", err)
		}
		g.metrics.RecordProviderError(ctx, g.chain.Name(), "exhausted")
		log.Error("all oracle providers failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersExhausted, err)
	}

	model := ans.Provider.Model()
	text := ans.Response.Content
	cost := g.pricing.Estimate(model, instruction, text)
	g.metrics.RecordOracleCall(ctx, ans.Name, "ok", time.Since(start))
	span.SetAttributes(
		attribute.String("oracle.provider", ans.Name),
		attribute.String("oracle.model", model),
		attribute.Float64("oracle.cost_usd", cost),
	)

	// The answer is paid for: caching and accrual outlive the caller's
	// cancellation. The cache is written first so a failed ledger write never
	// forces a second paid call for the same request.
	paidCtx := context.WithoutCancel(ctx)
	entry := store.CacheEntry{Key: key, Text: text, Provider: ans.Name, Model: model, CreatedAt: g.now()}
	if err := g.cache.Save(paidCtx, entry); err != nil {
		log.Warn("oracle cache save failed", "err", err)
	}

	if err := res.Commit(paidCtx, cost); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.metrics.RecordSpend(ctx, ans.Name, cost)

	log.Info("oracle answered", "provider", ans.Name, "model", model,
		"cost_usd", cost, "estimate_usd", estimate)
	return &Response{Text: text, Provider: ans.Name, Model: model, CostUSD: cost}, nil
}

// lookup returns a fresh cache hit or nil. Lookup failures count as misses.
func (g *Gateway) lookup(ctx context.Context, key string) *Response {
	entry, err := g.cache.Lookup(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.metrics.RecordCacheLookup(ctx, "miss")
		return nil
	case err != nil:
		observe.Logger(ctx).Warn("oracle cache lookup failed", "fingerprint", key, "err", err)
		g.metrics.RecordCacheLookup(ctx, "miss")
		return nil
	}
	if g.ttl > 0 && g.now().Sub(entry.CreatedAt) >= g.ttl {
		g.metrics.RecordCacheLookup(ctx, "expired")
		return nil
	}
	g.metrics.RecordCacheLookup(ctx, "hit")
	return &Response{Text: entry.Text, Provider: entry.Provider, Model: entry.Model, Cached: true}
}

// CostSummary reports today's and this month's spend against the caps,
// together with the primary provider's name.
func (g *Gateway) CostSummary(ctx context.Context) (Summary, error) {
	s, err := g.ledger.Summary(ctx)
	if err != nil {
		return Summary{}, err
	}
	s.Provider = g.chain.Name()
	return s, nil
}
