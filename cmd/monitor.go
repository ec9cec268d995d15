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

	"github.com/sundai-club/tasks-auto-complete/internal/config"
	"github.com/sundai-club/tasks-auto-complete/internal/observability"
	"github.com/sundai-club/tasks-auto-complete/internal/profile"
)

const metricsShutdownTimeout = 5 * time.Second

// newMonitorCmd creates and configures the `monitor` command.
func newMonitorCmd() *cobra.Command {
	var (
		once        bool
		interval    time.Duration
		detectEvery int
	)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Polls screen activity and proposes tasks for detected forms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.SetMonitorInterval(interval)
			}
			if cmd.Flags().Changed("detect-every") {
				cfg.SetMonitorDetectEvery(detectEvery)
			}

			components, err := initializeMonitorComponents(ctx, cfg, cmd.OutOrStdout(), logger)
			defer components.Shutdown(logger)
			if err != nil {
				return err
			}

			if once {
				return components.Monitor.RunOnce(ctx)
			}
			return runMonitor(ctx, cfg, components, logger)
		},
	}

	monitorCmd.Flags().BoolVar(&once, "once", false, "Run a single iteration and exit")
	monitorCmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (overrides monitor.interval)")
	monitorCmd.Flags().IntVar(&detectEvery, "detect-every", 0, "Run detection every Nth cycle with data (overrides monitor.detect_every)")
	return monitorCmd
}

// runMonitor runs the loop alongside the optional metrics endpoint and
// profile watcher until ctx is done or one of them fails.
func runMonitor(ctx context.Context, cfg config.Interface, c *monitorComponents, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Monitor.Run(gctx)
	})

	if metricsCfg := cfg.Metrics(); metricsCfg.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.Metrics.Handler())
		srv := &http.Server{
			Addr:              metricsCfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("addr", metricsCfg.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if fp, ok := c.Profile.(*profile.FileProvider); ok && cfg.Profile().Watch {
		g.Go(func() error {
			err := fp.Watch(gctx, func(string) {
				logger.Info("Profile changed", zap.String("path", fp.Path()))
			})
			if err != nil {
				// Without a watcher the profile is still re-read on every proposal.
				logger.Warn("Profile watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
