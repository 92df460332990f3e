package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider kinds the built-in registry knows.
// Used by [Validate] to warn about unrecognised provider kinds.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "gemini-native",
	"ollama", "deepseek", "mistral", "groq",
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultWorkDir         = "work"
	DefaultMaxChunkChars   = 12000
	DefaultBudgetDayUSD    = 5.0
	DefaultBudgetMonthUSD  = 100.0
	DefaultCacheTTL        = 7 * 24 * time.Hour
	DefaultAttemptTimeout  = 120 * time.Second
	DefaultMaxAttempts     = 3
	DefaultBackoffBase     = 2 * time.Second
	DefaultBackoffMax      = 10 * time.Second
	DefaultTemperature     = 0.2
	DefaultMaxTokens       = 8192
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 60 * time.Second
	DefaultMinWPM          = 25.0
	DefaultMinMarkersRate  = 0.5
	DefaultFuzzyThreshold  = 0.93
	DefaultServiceName     = "forja"
)

// DefaultProviders returns the provider table used when the config names none:
// Claude first, then Gemini, then OpenAI.
func DefaultProviders() map[string]ProviderEntry {
	return map[string]ProviderEntry{
		"claude": {Name: "anthropic", Model: "claude-3-5-sonnet-latest", APIKeyEnv: "ANTHROPIC_API_KEY"},
		"gemini": {Name: "gemini-native", Model: "gemini-1.5-pro", APIKeyEnv: "GEMINI_API_KEY"},
		"openai": {Name: "openai", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
	}
}

// defaultFallback is the attempt order used with [DefaultProviders].
var defaultFallback = []string{"claude", "gemini", "openai"}

// modelEnv maps provider table names to the environment variable overriding
// their model.
var modelEnv = map[string]string{
	"claude": "CLAUDE_MODEL",
	"gemini": "GEMINI_MODEL",
	"openai": "OPENAI_MODEL",
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config]. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""), os.Getenv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// overrides found through getenv, and validates the result. A nil getenv
// skips environment overrides, which keeps tests hermetic.
func LoadFromReader(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if getenv != nil {
		if err := ApplyEnv(cfg, getenv); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogText
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}

	p := &cfg.Pipeline
	if p.MaxChunkChars == 0 {
		p.MaxChunkChars = DefaultMaxChunkChars
	}
	if p.Concurrency == 0 {
		p.Concurrency = 1
	}

	if cfg.Audit.MinWPM == 0 {
		cfg.Audit.MinWPM = DefaultMinWPM
	}
	if cfg.Audit.MinMarkersPerMinute == 0 {
		cfg.Audit.MinMarkersPerMinute = DefaultMinMarkersRate
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
		if len(cfg.Oracle.Fallback) == 0 {
			cfg.Oracle.Fallback = slices.Clone(defaultFallback)
		}
	}

	o := &cfg.Oracle
	if o.Primary == "" {
		if len(o.Fallback) > 0 {
			o.Primary = o.Fallback[0]
		} else if len(cfg.Providers) == 1 {
			for name := range cfg.Providers {
				o.Primary = name
			}
		}
	}
	if o.BudgetDayUSD == 0 {
		o.BudgetDayUSD = DefaultBudgetDayUSD
	}
	if o.BudgetMonthUSD == 0 {
		o.BudgetMonthUSD = DefaultBudgetMonthUSD
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerReset == 0 {
		o.BreakerReset = DefaultBreakerReset
	}

	s := &cfg.Store
	if s.Kind == "" {
		s.Kind = StoreFile
	}
	if s.Path == "" {
		switch s.Kind {
		case StoreFile:
			s.Path = filepath.Join(cfg.WorkDir, "state")
		case StoreSQLite:
			s.Path = filepath.Join(cfg.WorkDir, "forja.db")
		}
	}

	if cfg.Glossary.FuzzyThreshold == 0 {
		cfg.Glossary.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// ApplyEnv applies the environment overrides: AI_PROVIDER selects the
// primary, BUDGET_DAY_USD and BUDGET_MONTH_USD replace the caps, and
// CLAUDE_MODEL, GEMINI_MODEL and OPENAI_MODEL replace the model of the
// provider with that table name. API keys are read later through
// [ProviderEntry.ResolveAPIKey].
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error

	if v := strings.ToLower(strings.TrimSpace(getenv("AI_PROVIDER"))); v != "" {
		cfg.Oracle.Primary = v
	}
	for env, dst := range map[string]*float64{
		"BUDGET_DAY_USD":   &cfg.Oracle.BudgetDayUSD,
		"BUDGET_MONTH_USD": &cfg.Oracle.BudgetMonthUSD,
	} {
		v := strings.TrimSpace(getenv(env))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", env, err))
			continue
		}
		*dst = f
	}
	for name, env := range modelEnv {
		v := strings.TrimSpace(getenv(env))
		if v == "" {
			continue
		}
		entry, ok := cfg.Providers[name]
		if !ok {
			continue
		}
		entry.Model = v
		cfg.Providers[name] = entry
	}
	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level: %q is not valid; use debug, info, warn or error", cfg.LogLevel))
	}
	if cfg.LogFormat != "" && !cfg.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("log_format: %q is not valid; use text or json", cfg.LogFormat))
	}

	if cfg.Pipeline.MaxChunkChars < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_chunk_chars: must not be negative, got %d", cfg.Pipeline.MaxChunkChars))
	}
	if cfg.Pipeline.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency: must not be negative, got %d", cfg.Pipeline.Concurrency))
	}
	if cfg.Audit.MinWPM < 0 {
		errs = append(errs, fmt.Errorf("audit.min_wpm: must not be negative, got %g", cfg.Audit.MinWPM))
	}
	if cfg.Audit.MinMarkersPerMinute < 0 {
		errs = append(errs, fmt.Errorf("audit.min_markers_per_minute: must not be negative, got %g", cfg.Audit.MinMarkersPerMinute))
	}
	if cfg.Repair.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("repair.tolerance: must not be negative, got %d", cfg.Repair.Tolerance))
	}

	for name, entry := range cfg.Providers {
		prefix := fmt.Sprintf("providers.%s", name)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: is required", prefix))
		}
		if entry.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model: is required", prefix))
		}
		if entry.PricePerMillion < 0 {
			errs = append(errs, fmt.Errorf("%s.price_per_million: must not be negative, got %g", prefix, entry.PricePerMillion))
		}
		validateProviderName(entry.Name)
	}

	o := cfg.Oracle
	if o.Primary == "" {
		errs = append(errs, errors.New("oracle.primary: is required"))
	}
	for _, name := range o.Chain() {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Errorf("oracle: provider %q is not defined under providers", name))
		}
	}
	if o.BudgetDayUSD < 0 || o.BudgetMonthUSD < 0 {
		errs = append(errs, errors.New("oracle: budgets must not be negative"))
	}
	if o.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_attempts: must not be negative, got %d", o.MaxAttempts))
	}
	for field, d := range map[string]time.Duration{
		"cache_ttl":       o.CacheTTL,
		"attempt_timeout": o.AttemptTimeout,
		"backoff_base":    o.BackoffBase,
		"backoff_max":     o.BackoffMax,
		"breaker_reset":   o.BreakerReset,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("oracle.%s: must not be negative, got %s", field, d))
		}
	}
	if o.BackoffBase > 0 && o.BackoffMax > 0 && o.BackoffMax < o.BackoffBase {
		errs = append(errs, fmt.Errorf("oracle.backoff_max: %s is below backoff_base %s", o.BackoffMax, o.BackoffBase))
	}

	switch s := cfg.Store; {
	case s.Kind == "":
	case !s.Kind.IsValid():
		errs = append(errs, fmt.Errorf("store.kind: %q is not valid; use file, sqlite or postgres", s.Kind))
	case s.Kind == StorePostgres && s.DSN == "":
		errs = append(errs, errors.New("store.dsn: is required for the postgres store"))
	case s.Kind != StorePostgres && s.Path == "":
		errs = append(errs, fmt.Errorf("store.path: is required for the %s store", s.Kind))
	}

	if cfg.Glossary.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("glossary.fuzzy_threshold: must be at most 1, got %g", cfg.Glossary.FuzzyThreshold))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not among the kinds the
// built-in registry knows. It does not return an error because custom kinds
// may be registered at runtime.
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider kind, may be a typo or a custom registration",
		"name", name,
		"known", ValidProviderNames,
	)
}
