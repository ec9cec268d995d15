package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/internal/executor"
	"github.com/sundai-club/tasks-auto-complete/internal/inbox"
	"github.com/sundai-club/tasks-auto-complete/internal/observability"
)

// newAcceptCmd creates the `accept` command, which hands a proposed task to
// the executor.
func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <task...>",
		Short: "Runs the executor for an accepted task",
		Long: "Runs the executor for an accepted task. The task may be given as plain text " +
			"or as a full inbox line starting with the task marker.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			task := strings.TrimSpace(strings.Join(args, " "))
			if parsed, ok := inbox.ParseTaskLine(task); ok {
				task = parsed
			}

			userProfile, err := newProfileProvider(cfg.Profile(), logger).Profile(ctx)
			if err != nil {
				logger.Warn("Profile unavailable, running task without it", zap.Error(err))
				userProfile = ""
			}

			exec, err := executor.New(cfg.Executor(), logger)
			if err != nil {
				return err
			}
			result, err := exec.Run(ctx, userProfile, task)
			if err != nil {
				return fmt.Errorf("task execution failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Task completed in %s\n", result.Duration.Round(10*time.Millisecond))
			return nil
		},
	}
}
