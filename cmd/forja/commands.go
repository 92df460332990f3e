package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/doumen/vana-forja/internal/app"
	"github.com/doumen/vana-forja/internal/forge"
	"github.com/doumen/vana-forja/internal/oracle"
)

// docFlags override the transcript's sidecar metadata.
type docFlags struct {
	id        string
	coverage  float64
	sourceURL string
}

func (f *docFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "document ID (default: sidecar meta or file name)")
	cmd.Flags().Float64Var(&f.coverage, "coverage", 0, "audio coverage in seconds (default: sidecar meta)")
	cmd.Flags().StringVar(&f.sourceURL, "source-url", "", "URL of the source recording")
}

func (f *docFlags) load(cmd *cobra.Command, path string) (*forge.Document, error) {
	doc, err := forge.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	if f.id != "" {
		doc.ID = f.id
	}
	if cmd.Flags().Changed("coverage") {
		doc.CoverageSeconds = f.coverage
	}
	if f.sourceURL != "" {
		doc.SourceURL = f.sourceURL
	}
	return doc, nil
}

func newRunCmd(c *cli) *cobra.Command {
	var df docFlags
	cmd := &cobra.Command{
		Use:   "run <transcript>",
		Short: "Refine one transcript end to end",
		Long: `Run audits, refines, repairs, merges and publishes one transcript. Stage
artifacts and the run report (stats.json) are written under
<work_dir>/artifacts/<document id>. The run report is printed on stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := df.load(cmd, args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Pipeline().Run(ctx, doc)
				if rep != nil {
					if werr := writeJSON(cmd.OutOrStdout(), rep); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
	df.register(cmd)
	return cmd
}

func newBatchCmd(c *cli) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "batch <glob>...",
		Short: "Refine every transcript matching the patterns",
		Long: `Batch expands each pattern (** matches across directories) and runs every
matching transcript. A failing document does not stop the others; a budget
refusal does. Sidecar .meta files are never treated as transcripts.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandGlobs(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no transcripts match %s", strings.Join(args, " "))
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Pipeline().RunFiles(ctx, paths, parallel)
				if werr := writeBatchTable(cmd, results); werr != nil {
					return werr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "documents processed at once")
	return cmd
}

// expandGlobs returns the sorted, de-duplicated transcripts matching
// patterns.
func expandGlobs(patterns []string) ([]string, error) {
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			slog.Warn("pattern matched nothing", "pattern", pattern)
		}
		for _, m := range matches {
			if !strings.HasSuffix(m, forge.MetaSuffix) {
				paths = append(paths, m)
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

func writeBatchTable(cmd *cobra.Command, results []forge.BatchResult) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSTATE\tSTATUS\tCOST_USD\tERROR")
	for _, r := range results {
		state, status, cost := "-", "-", 0.0
		if r.Report != nil {
			state, cost = r.Report.State.String(), r.Report.TotalCostUSD
			if r.Report.Status != "" {
				status = r.Report.Status
			}
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%s\n", r.Path, state, status, cost, errText)
	}
	return tw.Flush()
}

func newAuditCmd(c *cli) *cobra.Command {
	var df docFlags
	cmd := &cobra.Command{
		Use:   "audit <transcript>",
		Short: "Run only the quality gate on a raw transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := df.load(cmd, args[0])
			if err != nil {
				return err
			}
			rep := app.NewAuditor(c.cfg.Audit).Audit(doc.Text, doc.CoverageSeconds)
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.OK {
				return fmt.Errorf("%w: %s", forge.ErrAuditFailed, strings.Join(rep.Reasons, "; "))
			}
			return nil
		},
	}
	df.register(cmd)
	return cmd
}

func newRepairCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "repair <file>",
		Short: "Restore guarded timestamps and strip formatting noise from an edited file",
		Long: `Repair rewrites ⟦H:MM:SS⟧ markers as [H:MM:SS], removes stray markdown and
container tags, and reports the timestamp integrity. The repaired text goes
to --output (the report to stdout) or, without --output, to stdout (the
report to stderr).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text, rep := app.NewRepairer(c.cfg.Repair).Repair(string(b))
			if !rep.Clean() {
				slog.Warn("timestamp integrity needs review",
					"integrity", rep.Integrity,
					"found", rep.Timestamps.FoundGuarded,
					"final", rep.Timestamps.Final,
				)
			}

			if output == "" {
				if _, err := fmt.Fprint(cmd.OutOrStdout(), text); err != nil {
					return err
				}
				return writeJSON(cmd.ErrOrStderr(), rep)
			}
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the repaired text to this file")
	return cmd
}

func newBudgetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Print today's and this month's oracle spend against the caps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := app.OpenStore(ctx, c.cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			ledger := oracle.NewLedger(s, oracle.Limits{
				DayUSD:   c.cfg.Oracle.BudgetDayUSD,
				MonthUSD: c.cfg.Oracle.BudgetMonthUSD,
			}, nil)
			sum, err := ledger.Summary(ctx)
			if err != nil {
				return err
			}
			sum.Provider = c.cfg.Oracle.Primary
			return writeJSON(cmd.OutOrStdout(), sum)
		},
	}
}
