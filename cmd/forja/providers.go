package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/doumen/vana-forja/internal/app"
	"github.com/doumen/vana-forja/internal/config"
	"github.com/doumen/vana-forja/pkg/provider/llm"
	"github.com/doumen/vana-forja/pkg/provider/llm/anyllm"
	"github.com/doumen/vana-forja/pkg/provider/llm/gemini"
	"github.com/doumen/vana-forja/pkg/provider/llm/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// localKinds run without credentials.
var localKinds = map[string]bool{"ollama": true}

// registerBuiltinProviders wires all built-in LLM factories into reg. Each
// factory receives a config.ProviderEntry whose APIKey is already resolved.
func registerBuiltinProviders(reg *config.Registry) {
	// anthropic, gemini, deepseek, mistral and groq share the same pattern
	// through any-llm: optional APIKey + optional BaseURL.
	for _, kind := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(kind, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(kind, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.NewOllama(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterLLM("gemini-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		p, err := gemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	slog.Debug("registered llm providers", "kinds", reg.Kinds())
}

// buildProviders instantiates every provider of the oracle chain using the
// registry. Providers without credentials are skipped so a partial key set
// still yields a working chain.
func buildProviders(cfg *config.Config, reg *config.Registry, getenv func(string) string) (*app.Providers, error) {
	ps := &app.Providers{LLM: make(map[string]llm.Provider)}

	for _, name := range cfg.Oracle.Chain() {
		entry, ok := cfg.Providers[name]
		if !ok {
			continue
		}
		entry.APIKey = entry.ResolveAPIKey(getenv)
		if entry.APIKey == "" && !localKinds[entry.Name] {
			slog.Info("no credentials for provider, skipping", "provider", name, "api_key_env", entry.APIKeyEnv)
			continue
		}

		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider kind not available, skipping", "provider", name, "kind", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM[name] = p
		slog.Debug("provider created", "provider", name, "kind", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
