package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/dispatcher"
)

// newCollectCmd creates the 'collect' subcommand: one run over the configured sources.
func newCollectCmd() *cobra.Command {
	var (
		force   bool
		sources []string
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect configured sources once",
		Long: `Runs every configured source (or those named with --source) through the
collection pipeline once and prints one line per outcome. Unchanged content is
skipped unless --force is given. A fatal store or bus error exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if force {
				cfg.Collector.Force = true
			}
			selected, err := cfg.SourcesByName(sources...)
			if err != nil {
				return err
			}
			if len(selected) == 0 {
				return errors.New("no sources configured")
			}

			a, err := newApp(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()

			summary, runErr := a.Run(cmd.Context(), selected)
			if err := printSummary(cmd.OutOrStdout(), summary); err != nil {
				rt.logger.Warn("failed to print summary", zap.Error(err))
			}
			if runErr != nil {
				return fmt.Errorf("run failed: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "publish every source even when its content is unchanged")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "collect only the named sources (source-name or source-uri)")
	return cmd
}

func printSummary(w io.Writer, summary dispatcher.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tSOURCE\tURL\tDOCUMENT\tERROR")
	for _, report := range summary.Reports {
		for _, o := range report.Outcomes {
			errText := ""
			if o.Err != nil {
				errText = o.Err.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.FinalState, report.Source, o.URL, o.DocumentID, errText)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush summary: %w", err)
	}
	return nil
}
