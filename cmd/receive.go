package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/source-collector/internal/receiver"
)

// newReceiveCmd creates the 'receive' subcommand: consume notifications and write files.
func newReceiveCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Write documents announced on the message bus into a directory",
		Long: `Subscribes to the configured bus and writes every announced document into
--dir (default receiver.dir). Reference payloads are resolved through the
configured document store. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if dir != "" {
				cfg.Receiver.Dir = dir
			}

			a, err := newApp(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()

			sub, err := a.Subscriber()
			if err != nil {
				return err
			}
			r, err := receiver.New(a.Documents(), cfg.Receiver.Dir, rt.logger.Named("receiver"))
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), sub)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "target directory for received documents")
	return cmd
}
