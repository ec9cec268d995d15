package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/capture"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
	"github.com/sundai-club/tasks-auto-complete/internal/detector"
	"github.com/sundai-club/tasks-auto-complete/internal/inbox"
	"github.com/sundai-club/tasks-auto-complete/internal/llmclient"
	"github.com/sundai-club/tasks-auto-complete/internal/metrics"
	"github.com/sundai-club/tasks-auto-complete/internal/monitor"
	"github.com/sundai-club/tasks-auto-complete/internal/profile"
	"github.com/sundai-club/tasks-auto-complete/internal/proposer"
)

// monitorComponents holds everything the monitor command starts and must
// release on exit.
type monitorComponents struct {
	Source  capture.Source
	LLM     schemas.LLMClient
	Inbox   *inbox.Multi
	Profile schemas.ProfileProvider
	Metrics *metrics.Metrics
	Monitor *monitor.Monitor
}

// Shutdown releases resources in reverse order of creation.
func (c *monitorComponents) Shutdown(logger *zap.Logger) {
	var errs []error
	if c.Inbox != nil {
		errs = append(errs, c.Inbox.Close())
	}
	if c.LLM != nil {
		errs = append(errs, c.LLM.Close())
	}
	if c.Source != nil {
		errs = append(errs, c.Source.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Error during component shutdown", zap.Error(err))
	}
}

// newProfileProvider returns a file-backed provider, or an empty static
// profile when no path is configured.
func newProfileProvider(cfg config.ProfileConfig, logger *zap.Logger) schemas.ProfileProvider {
	if cfg.Path == "" {
		return profile.Static("")
	}
	return profile.NewFileProvider(cfg.Path, logger)
}

func initializeMonitorComponents(ctx context.Context, cfg config.Interface, stdout io.Writer, logger *zap.Logger) (*monitorComponents, error) {
	c := &monitorComponents{Metrics: metrics.New(nil)}

	source, err := capture.New(cfg.Capture(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize capture source: %w", err)
	}
	c.Source = source

	llm, err := llmclient.NewClient(ctx, cfg.Agent(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	c.LLM = llm

	box, err := inbox.New(ctx, cfg.Inbox(), stdout, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize inbox: %w", err)
	}
	c.Inbox = box

	c.Profile = newProfileProvider(cfg.Profile(), logger)

	monCfg := cfg.Monitor()
	det := detector.New(llm, logger,
		detector.WithTimeout(monCfg.ClassifierTimeout),
		detector.WithMetrics(c.Metrics),
	)
	prop := proposer.New(llm, box, logger,
		proposer.WithTimeout(monCfg.ClassifierTimeout),
		proposer.WithRateLimit(monCfg.ProposalInterval, monCfg.ProposalBurst),
		proposer.WithPlatform(monCfg.Platform),
		proposer.WithMetrics(c.Metrics),
	)

	mon, err := monitor.New(monCfg, source, det, prop, box, c.Profile, logger, monitor.WithMetrics(c.Metrics))
	if err != nil {
		return c, fmt.Errorf("failed to initialize monitor: %w", err)
	}
	c.Monitor = mon
	return c, nil
}
