package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/doumen/vana-forja/internal/config"
)

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "log level",
			yaml: "log_level: verbose\n",
			want: []string{"log_level"},
		},
		{
			name: "log format",
			yaml: "log_format: xml\n",
			want: []string{"log_format"},
		},
		{
			name: "negative knobs",
			yaml: "pipeline:\n  concurrency: -1\nrepair:\n  tolerance: -2\naudit:\n  min_wpm: -5\n",
			want: []string{"pipeline.concurrency", "repair.tolerance", "audit.min_wpm"},
		},
		{
			name: "provider without kind or model",
			yaml: "providers:\n  local:\n    base_url: http://localhost:11434\n",
			want: []string{"providers.local.name", "providers.local.model"},
		},
		{
			name: "fallback not defined",
			yaml: "providers:\n  local:\n    name: ollama\n    model: llama3\noracle:\n  primary: local\n  fallback: [cloud]\n",
			want: []string{`"cloud"`},
		},
		{
			name: "no primary among many",
			yaml: "providers:\n  a:\n    name: openai\n    model: gpt-4o\n  b:\n    name: groq\n    model: llama3\n",
			want: []string{"oracle.primary"},
		},
		{
			name: "postgres without dsn",
			yaml: "store:\n  kind: postgres\n",
			want: []string{"store.dsn"},
		},
		{
			name: "unknown store",
			yaml: "store:\n  kind: redis\n",
			want: []string{"store.kind"},
		},
		{
			name: "backoff inverted",
			yaml: "oracle:\n  backoff_base: 20s\n  backoff_max: 5s\n",
			want: []string{"oracle.backoff_max"},
		},
		{
			name: "fuzzy threshold above one",
			yaml: "glossary:\n  fuzzy_threshold: 1.5\n",
			want: []string{"glossary.fuzzy_threshold"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml), nil)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_SingleProviderBecomesPrimary(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  local:\n    name: ollama\n    model: llama3\n"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.Primary != "local" {
		t.Errorf("primary: got %q, want local", cfg.Oracle.Primary)
	}
}

func TestValidate_UnknownKindOnlyWarns(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  x:\n    name: homegrown\n    model: m\n"), nil)
	if err != nil {
		t.Fatalf("unknown provider kinds must not fail validation: %v", err)
	}
}

func TestValidate_SQLiteDefaultsPath(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("work_dir: /tmp/w\nstore:\n  kind: sqlite\n"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Path != filepath.Join("/tmp/w", "forja.db") {
		t.Errorf("store.path: got %q", cfg.Store.Path)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forja.yaml")
	if err := os.WriteFile(path, []byte("oracle:\n  budget_day_usd: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUDGET_DAY_USD", "")
	t.Setenv("AI_PROVIDER", "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Oracle.BudgetDayUSD != 3 {
		t.Errorf("budget_day_usd: got %g, want 3", cfg.Oracle.BudgetDayUSD)
	}
}

func TestLoad_EnvAppliedToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forja.yaml")
	if err := os.WriteFile(path, []byte("oracle:\n  budget_day_usd: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUDGET_DAY_USD", "0.5")
	t.Setenv("AI_PROVIDER", "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Oracle.BudgetDayUSD != 0.5 {
		t.Errorf("budget_day_usd: got %g, want 0.5", cfg.Oracle.BudgetDayUSD)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}
