package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/source-collector/internal/app"
	"github.com/JakeFAU/source-collector/internal/collector"
)

// newRecordsCmd groups the metadata maintenance subcommands.
func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and maintain tracked source records",
	}
	cmd.AddCommand(newRecordsListCmd())
	cmd.AddCommand(newRecordsDeleteCmd())
	return cmd
}

func newRecordsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tracked URL with its fingerprint and document id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenRecords(cmd.Context(), rt.cfg.Metadata, rt.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return printRecords(cmd.OutOrStdout(), store.List())
		},
	}
}

func newRecordsDeleteCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "delete URL...",
		Short: "Forget tracked URLs so the next run treats them as new",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenRecords(cmd.Context(), rt.cfg.Metadata, rt.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			for _, url := range args {
				if _, ok := store.Get(url); !ok {
					fmt.Fprintf(out, "not tracked: %s\n", url)
					continue
				}
				store.Delete(url)
				fmt.Fprintf(out, "deleted: %s\n", url)
			}
			if dryRun {
				store.Rollback()
				fmt.Fprintln(out, "dry run: nothing saved")
				return nil
			}
			if err := store.Save(cmd.Context()); err != nil {
				store.Rollback()
				return fmt.Errorf("save records: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted without saving")
	return cmd
}

func printRecords(w io.Writer, records []collector.SourceRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tDOCUMENT\tETAG\tLAST-MODIFIED\tHASH")
	for _, rec := range records {
		modified := ""
		if !rec.LastModified.IsZero() {
			modified = rec.LastModified.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.URL, rec.DocumentID, rec.ETag, modified, shortHash(rec.ContentHash))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
