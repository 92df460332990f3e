package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/doumen/vana-forja/internal/app"
	"github.com/doumen/vana-forja/internal/config"
	"github.com/doumen/vana-forja/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the teardown after a command finishes.
const shutdownTimeout = 15 * time.Second

// cli carries the flags and collaborators shared by all subcommands.
type cli struct {
	configPath  string
	logFormat   string
	verbose     bool
	metricsAddr string

	getenv func(string) string
	stderr io.Writer

	cfg *config.Config

	// providers replaces registry construction when set.
	providers *app.Providers
	appOpts   []app.Option
}

func newCLI() *cli {
	return &cli{getenv: os.Getenv, stderr: os.Stderr}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "forja",
		Short: "Refine raw lecture transcripts into publish-ready documents",
		Long: `Forja runs transcripts through a guarded pipeline: a quality gate, LLM
refinement with immutable timestamps, integrity repair, glossary merge and
publication. Spend is capped per day and month.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if c.logFormat != "" {
				cfg.LogFormat = config.LogFormat(c.logFormat)
			}
			if !cfg.LogFormat.IsValid() {
				return fmt.Errorf("invalid log format %q", cfg.LogFormat)
			}
			if c.verbose {
				cfg.LogLevel = config.LogDebug
			}
			c.cfg = cfg
			slog.SetDefault(newLogger(c.stderr, cfg.LogLevel, cfg.LogFormat))
			slog.Debug("config loaded", "config", c.configPath, "work_dir", cfg.WorkDir, "primary", cfg.Oracle.Primary)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "path to the YAML configuration file (defaults plus environment when empty)")
	flags.StringVar(&c.logFormat, "log-format", "", "log output format: text or json")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&c.metricsAddr, "serve-metrics", "", "serve /metrics, /healthz and /readyz on this address while the command runs")

	root.AddCommand(
		newRunCmd(c),
		newBatchCmd(c),
		newAuditCmd(c),
		newRepairCmd(c),
		newBudgetCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.configPath == "" {
		return config.LoadFromReader(strings.NewReader(""), c.getenv)
	}
	f, err := os.Open(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", c.configPath, err)
	}
	defer f.Close()
	return config.LoadFromReader(f, c.getenv)
}

func newLogger(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.Level()}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp builds the application from the loaded config. Providers come
// from the built-in registry unless the cli carries injected ones.
func (c *cli) newApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	providers := c.providers
	if providers == nil {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		var err error
		providers, err = buildProviders(c.cfg, reg, c.getenv)
		if err != nil {
			return nil, err
		}
	}
	all := append([]app.Option{app.WithGetenv(c.getenv)}, c.appOpts...)
	return app.New(ctx, c.cfg, providers, append(all, opts...)...)
}

// withApp runs fn against a fresh application and tears it down afterwards.
// When an ops address is configured, telemetry is exported and the ops
// server runs for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	addr := cmp.Or(c.metricsAddr, c.cfg.Telemetry.ListenAddr)

	var (
		opts []app.Option
		tel  *observe.Telemetry
		m    *observe.Metrics
	)
	if addr != "" {
		var err error
		tel, err = observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    c.cfg.Telemetry.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown("telemetry", tel.Shutdown)

		m, err = observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		opts = append(opts, app.WithMetrics(m))
	}

	a, err := c.newApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer shutdown("app", a.Shutdown)

	if addr != "" {
		ops, err := startOps(addr, opsHandler(a, tel.MetricsHandler(), m))
		if err != nil {
			return err
		}
		defer shutdown("ops server", ops.Shutdown)
	}

	return fn(ctx, a)
}

func shutdown(what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("shutdown error", "component", what, "err", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of forja",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "forja version %s\n", version)
			return err
		},
	}
}
