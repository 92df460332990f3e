package oracle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doumen/vana-forja/internal/resilience"
	"github.com/doumen/vana-forja/internal/store"
	"github.com/doumen/vana-forja/internal/store/sqlite"
	"github.com/doumen/vana-forja/pkg/provider/llm"
	"github.com/doumen/vana-forja/pkg/provider/llm/mock"
)

type harness struct {
	gw      *Gateway
	store   store.Store
	primary *mock.Provider
	backup  *mock.Provider
	now     time.Time
}

func newHarness(t *testing.T, limits Limits) *harness {
	t.Helper()
	h := &harness{
		store:   newFileStore(t),
		primary: &mock.Provider{ProviderName: "claude", ModelName: "claude-3-5-sonnet-latest", CompleteFunc: mock.Echo()},
		backup:  &mock.Provider{ProviderName: "gemini", ModelName: "gemini-1.5-flash", CompleteFunc: mock.Echo()},
		now:     june15,
	}
	clock := func() time.Time { return h.now }

	chain := resilience.NewLLMFallback(h.primary, "claude", resilience.LLMFallbackConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	})
	chain.AddFallback("gemini", h.backup)

	h.gw = New(chain, h.store, NewLedger(h.store, limits, clock), WithClock(clock))
	return h
}

func (h *harness) dayTotal(t *testing.T) float64 {
	t.Helper()
	totals, err := h.store.Totals(context.Background(), store.DayKey(h.now))
	require.NoError(t, err)
	return totals[store.DayKey(h.now)]
}

func TestEdit_SendsInstructionAndContent(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})

	resp, err := h.gw.Edit(context.Background(), "fix typos", "⟦0:00:01⟧ helo")
	require.NoError(t, err)
	assert.Equal(t, "⟦0:00:01⟧ helo", resp.Text)
	assert.Equal(t, "claude", resp.Provider)
	assert.Equal(t, "claude-3-5-sonnet-latest", resp.Model)
	assert.False(t, resp.Cached)

	require.Equal(t, 1, h.primary.Calls())
	req := h.primary.CompleteCalls[0].Req
	assert.Equal(t, "fix typos", req.SystemPrompt)
	assert.Equal(t, DefaultTemperature, req.Temperature)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
}

func TestEdit_CacheDeterminism(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})
	ctx := context.Background()

	first, err := h.gw.Edit(ctx, "P", "T")
	require.NoError(t, err)
	spent := h.dayTotal(t)
	assert.Greater(t, first.CostUSD, 0.0)
	assert.InDelta(t, first.CostUSD, spent, 1e-12)

	second, err := h.gw.Edit(ctx, "P", "T")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, second.CostUSD)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Provider, second.Provider)
	assert.Equal(t, 1, h.primary.Calls(), "cache hit must not reach the network")
	assert.InDelta(t, spent, h.dayTotal(t), 1e-12, "cache hit must not touch the ledger")
}

func TestEdit_ExpiredCacheCallsAgain(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})
	ctx := context.Background()

	_, err := h.gw.Edit(ctx, "P", "T")
	require.NoError(t, err)

	h.now = h.now.Add(DefaultCacheTTL - time.Minute)
	resp, err := h.gw.Edit(ctx, "P", "T")
	require.NoError(t, err)
	assert.True(t, resp.Cached)

	h.now = h.now.Add(2 * time.Minute)
	resp, err = h.gw.Edit(ctx, "P", "T")
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, h.primary.Calls())
}

func TestEdit_ActualCostUsesOutputAndAnsweringModel(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})
	h.primary.CompleteFunc = nil
	h.primary.CompleteErr = fmt.Errorf("%w: bad key", llm.ErrInvalidRequest)
	h.backup.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "short"}, nil
	}

	resp, err := h.gw.Edit(context.Background(), "instruction", "a much longer chunk of content")
	require.NoError(t, err)
	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, "gemini-1.5-flash", resp.Model)

	want := DefaultPricing().Estimate("gemini-1.5-flash", "instruction", "short")
	assert.InDelta(t, want, resp.CostUSD, 1e-15)
	assert.InDelta(t, want, h.dayTotal(t), 1e-15)
	assert.Equal(t, 1, h.primary.Calls(), "invalid requests are not retried")
}

func TestEdit_BudgetExceededLeavesTotalsUnchanged(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 1, MonthUSD: 100})
	ctx := context.Background()
	require.NoError(t, h.store.AddSpend(ctx, 1, store.DayKey(h.now), store.MonthKey(h.now)))

	_, err := h.gw.Edit(ctx, "P", "T")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "day", be.Period)

	assert.Zero(t, h.primary.Calls())
	assert.Zero(t, h.backup.Calls())
	assert.Equal(t, 1.0, h.dayTotal(t))
}

func TestEdit_AllProvidersExhausted(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 1, MonthUSD: 100})
	boom := errors.New("upstream 503")
	h.primary.CompleteFunc = nil
	h.primary.CompleteErr = fmt.Errorf("%w: %w", llm.ErrTransient, boom)
	h.backup.CompleteFunc = nil
	h.backup.CompleteErr = fmt.Errorf("%w: %w", llm.ErrTransient, boom)

	_, err := h.gw.Edit(context.Background(), "P", "T")
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, h.primary.Calls(), "transient errors retried up to MaxAttempts")
	assert.Equal(t, 3, h.backup.Calls())
	assert.Zero(t, h.dayTotal(t))

	// The failed reservation was released: a cap-sized reservation still fits.
	_, err = h.gw.ledger.Reserve(context.Background(), 1)
	assert.NoError(t, err)

	// Failures are not cached.
	h.primary.CompleteErr = nil
	h.primary.CompleteFunc = mock.Echo()
	resp, err := h.gw.Edit(context.Background(), "P", "T")
	require.NoError(t, err)
	assert.False(t, resp.Cached)
}

func TestEdit_CanceledContextIsNotExhaustion(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})
	h.primary.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.gw.Edit(ctx, "P", "T")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersExhausted)
}

func TestEdit_PaidAnswerSurvivesCancellation(t *testing.T) {
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "forja.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &mock.Provider{
		ProviderName: "claude",
		ModelName:    "claude-3-5-sonnet-latest",
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			// A sibling failure cancels the caller after the answer is paid.
			cancel()
			return &llm.CompletionResponse{Content: "pronto"}, nil
		},
	}
	chain := resilience.NewLLMFallback(p, "claude", resilience.LLMFallbackConfig{})
	clock := fixedClock(june15)
	gw := New(chain, st, NewLedger(st, Limits{DayUSD: 5, MonthUSD: 100}, clock), WithClock(clock))

	resp, err := gw.Edit(ctx, "P", "T")
	require.NoError(t, err)
	assert.Positive(t, resp.CostUSD)

	day := store.DayKey(june15)
	totals, err := st.Totals(context.Background(), day)
	require.NoError(t, err)
	assert.InDelta(t, resp.CostUSD, totals[day], 1e-12, "paid answer must be accrued")

	again, err := gw.Edit(context.Background(), "P", "T")
	require.NoError(t, err)
	assert.True(t, again.Cached, "paid answer must be cached")
	assert.Equal(t, 1, p.Calls())
}

func TestCostSummary(t *testing.T) {
	h := newHarness(t, Limits{DayUSD: 5, MonthUSD: 100})
	ctx := context.Background()
	require.NoError(t, h.store.AddSpend(ctx, 0.5, store.DayKey(h.now), store.MonthKey(h.now)))

	s, err := h.gw.CostSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{TodayUSD: 0.5, MonthUSD: 0.5, LimitDay: 5, LimitMonth: 100, Provider: "claude"}, s)
}
