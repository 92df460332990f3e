package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/doumen/vana-forja/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no factory
// has been registered under the requested provider kind.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an oracle backend from its configuration entry. The entry
// carries the resolved API key.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps provider kinds to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]LLMFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{llm: make(map[string]LLMFactory)}
}

// RegisterLLM registers an LLM provider factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterLLM(kind string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[kind] = factory
}

// CreateLLM instantiates the provider described by entry using the factory
// registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// Kinds returns the registered provider kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm))
}
