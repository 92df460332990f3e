package resilience

import (
	"context"
	"errors"

	"github.com/doumen/vana-forja/pkg/provider/llm"
)

// LLMFallbackConfig tunes an [LLMFallback].
type LLMFallbackConfig struct {
	// Fallback configures the per-provider circuit breakers.
	Fallback FallbackConfig

	// Retry configures attempts against a single provider. Retryable defaults
	// to [llm.IsTransient].
	Retry RetryConfig
}

// Answer is a successful completion together with the provider that produced
// it.
type Answer struct {
	Response *llm.CompletionResponse
	Name     string
	Provider llm.Provider
}

// LLMFallback implements [llm.Provider] with retry and automatic failover
// across multiple LLM backends. Each backend is retried on transient errors
// and sits behind its own circuit breaker; when a backend gives up or its
// breaker is open, the next one is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
	retry RetryConfig
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg LLMFallbackConfig) *LLMFallback {
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = llm.IsTransient
	}
	if cfg.Fallback.CircuitBreaker.Counts == nil {
		cfg.Fallback.CircuitBreaker.Counts = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg.Fallback),
		retry: cfg.Retry,
	}
}

// AddFallback registers an additional LLM provider as a fallback. Names that
// are already registered are ignored.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in attempt order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Breaker exposes the circuit breaker of a named provider.
func (f *LLMFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// CompleteWithSource sends req to the first healthy provider and reports
// which one answered.
func (f *LLMFallback) CompleteWithSource(ctx context.Context, req llm.CompletionRequest) (*Answer, error) {
	ans, _, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, name string, p llm.Provider) (*Answer, error) {
		rc := f.retry
		rc.Name = name
		resp, err := RetryWithResult(ctx, rc, func(ctx context.Context) (*llm.CompletionResponse, error) {
			return p.Complete(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return &Answer{Response: resp, Name: name, Provider: p}, nil
	})
	return ans, err
}

// Complete sends the request to the first healthy provider and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ans, err := f.CompleteWithSource(ctx, req)
	if err != nil {
		return nil, err
	}
	return ans.Response, nil
}

// Name returns the primary's registered name.
func (f *LLMFallback) Name() string {
	name, _ := f.group.Primary()
	return name
}

// Model returns the primary's model.
func (f *LLMFallback) Model() string {
	_, p := f.group.Primary()
	return p.Model()
}

// Capabilities returns the capabilities of the primary. This does not
// participate in failover because capabilities are static metadata.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	_, p := f.group.Primary()
	return p.Capabilities()
}
