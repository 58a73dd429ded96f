package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/source-collector/internal/api"
	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/dispatcher"
	"github.com/JakeFAU/source-collector/internal/receiver"
	"github.com/JakeFAU/source-collector/internal/scheduler"
	"github.com/JakeFAU/source-collector/internal/watch"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand: the recurring schedule plus the ops HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Collect on a schedule and expose the ops API",
		Long: `Collects every configured source at start and then every schedule.interval.
POST /v1/runs requests an extra run; with schedule.watch_directories set, changes
in directory sources trigger one as well. Runs never overlap.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg, logger := rt.cfg, rt.logger

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()

			sched := scheduler.New(func(ctx context.Context, _ string) (dispatcher.Summary, error) {
				return a.Run(ctx, cfg.Sources)
			}, cfg.Schedule.Interval, logger.Named("scheduler"))

			// Ready once the startup run has completed.
			ready := func(context.Context) error {
				if _, ok := sched.Last(); !ok {
					return errors.New("first run pending")
				}
				return nil
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           api.NewServer(sched, a.Records(), ready, logger.Named("api")).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			var (
				recv *receiver.Receiver
				sub  collector.Subscriber
			)
			if cfg.Receiver.InProcess {
				if sub, err = a.Subscriber(); err != nil {
					return err
				}
				if recv, err = receiver.New(a.Documents(), cfg.Receiver.Dir, logger.Named("receiver")); err != nil {
					return err
				}
			}

			var watcher *watch.Watcher
			if dirs := cfg.WatchedDirectories(); cfg.Schedule.WatchDirectories && len(dirs) > 0 {
				if watcher, err = watch.New(dirs, cfg.Schedule.Debounce, logger.Named("watch")); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("http server shutdown", zap.Error(err))
				}
				return nil
			})
			g.Go(func() error {
				if err := sched.Run(ctx); err != nil {
					return fmt.Errorf("scheduler: %w", err)
				}
				return nil
			})
			if watcher != nil {
				g.Go(func() error {
					return watcher.Run(ctx, func(changed []string) {
						logger.Info("directory change detected", zap.Strings("dirs", changed))
						sched.Trigger(scheduler.ReasonWatch)
					})
				})
			}
			if recv != nil {
				g.Go(func() error { return recv.Run(ctx, sub) })
			}

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("serve stopped")
			return nil
		},
	}
}
