// Package config provides the configuration schema, loader, and provider registry
// for the forja transcript refinement pipeline.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// StoreKind selects the cache and budget ledger backend.
type StoreKind string

const (
	StoreFile     StoreKind = "file"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
)

// IsValid reports whether k is a recognised store backend.
func (k StoreKind) IsValid() bool {
	switch k {
	case StoreFile, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// WorkDir is where per-document artifact directories are created.
	WorkDir string `yaml:"work_dir"`

	Pipeline  PipelineConfig           `yaml:"pipeline"`
	Audit     AuditConfig              `yaml:"audit"`
	Repair    RepairConfig             `yaml:"repair"`
	Oracle    OracleConfig             `yaml:"oracle"`
	Providers map[string]ProviderEntry `yaml:"providers"`
	Store     StoreConfig              `yaml:"store"`
	Glossary  GlossaryConfig           `yaml:"glossary"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
}

// PipelineConfig tunes chunking and refinement.
type PipelineConfig struct {
	// MaxChunkChars is the chunk budget in runes.
	MaxChunkChars int `yaml:"max_chunk_chars"`

	// Concurrency is the number of chunks refined at once.
	Concurrency int `yaml:"concurrency"`

	// InstructionFile holds the editing instruction sent with every chunk.
	// Empty uses the built-in instruction.
	InstructionFile string `yaml:"instruction_file"`
}

// AuditConfig holds the quality gate thresholds.
type AuditConfig struct {
	MinWPM              float64 `yaml:"min_wpm"`
	MinMarkersPerMinute float64 `yaml:"min_markers_per_minute"`
}

// RepairConfig tunes the integrity repairer.
type RepairConfig struct {
	// Tolerance is the accepted marker count divergence. Zero is strict.
	Tolerance int `yaml:"tolerance"`

	// ContainerTags are the bracket tags whose bodies are normalised.
	ContainerTags []string `yaml:"container_tags"`
}

// OracleConfig selects providers and bounds spending.
type OracleConfig struct {
	// Primary names the entry in Providers tried first.
	Primary string `yaml:"primary"`

	// Fallback lists provider names in attempt order after Primary.
	Fallback []string `yaml:"fallback"`

	BudgetDayUSD   float64 `yaml:"budget_day_usd"`
	BudgetMonthUSD float64 `yaml:"budget_month_usd"`

	CacheTTL       time.Duration `yaml:"cache_ttl"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// BreakerFailures is the number of consecutive failures that open a
	// provider's circuit breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// Chain returns the provider names in attempt order, Primary first, without
// duplicates.
func (o OracleConfig) Chain() []string {
	seen := make(map[string]bool, len(o.Fallback)+1)
	var out []string
	for _, name := range append([]string{o.Primary}, o.Fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// ProviderEntry is the configuration for a single oracle backend.
type ProviderEntry struct {
	// Name is the registered provider kind (e.g., "anthropic", "openai",
	// "gemini-native").
	Name string `yaml:"name"`

	// Model selects the specific model (e.g., "claude-3-5-sonnet-latest").
	Model string `yaml:"model"`

	// APIKey is the authentication credential. Prefer APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url"`

	// PricePerMillion overrides the built-in USD price per million tokens
	// for Model.
	PricePerMillion float64 `yaml:"price_per_million"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// ResolveAPIKey returns APIKey, or the value of APIKeyEnv looked up through
// getenv when APIKey is empty.
func (e ProviderEntry) ResolveAPIKey(getenv func(string) string) string {
	if e.APIKey != "" || e.APIKeyEnv == "" || getenv == nil {
		return e.APIKey
	}
	return getenv(e.APIKeyEnv)
}

// StoreConfig selects where the response cache and spend ledger live.
type StoreConfig struct {
	Kind StoreKind `yaml:"kind"`

	// Path is the state directory (file) or database file (sqlite).
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// GlossaryConfig locates the reference glossary.
type GlossaryConfig struct {
	// Path is a YAML glossary file. Empty runs the merge stage offline.
	Path string `yaml:"path"`

	// FuzzyThreshold is the Jaro-Winkler score needed to resolve a key that
	// has no exact entry. A negative value disables fuzzy matching.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// TelemetryConfig configures the ops endpoint.
type TelemetryConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables it.
	ListenAddr  string `yaml:"listen_addr"`
	ServiceName string `yaml:"service_name"`
}
