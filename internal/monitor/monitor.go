// Package monitor runs the workflow loop: poll the capture source, normalize
// the batch, classify the recent window and propose a task for new forms.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/activity"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
	"github.com/sundai-club/tasks-auto-complete/internal/metrics"
	"github.com/sundai-club/tasks-auto-complete/internal/proposer"
	"github.com/sundai-club/tasks-auto-complete/internal/tracker"
)

// Inbox titles for monitor notices.
const (
	StartedTitle = "tasks-auto-complete started"
	ErrorTitle   = "tasks-auto-complete error"
)

// Detector classifies a window of snapshots. Failures come back as a
// negative result.
type Detector interface {
	Detect(ctx context.Context, snapshots []schemas.ActivitySnapshot) schemas.DetectionResult
}

// Proposer turns a positive detection into a published task.
type Proposer interface {
	Propose(ctx context.Context, detection schemas.DetectionResult, profile string) (*schemas.TaskProposal, error)
}

// Monitor owns the window store and the URL tracker. Iterations never run
// concurrently.
type Monitor struct {
	cfg       config.MonitorConfig
	source    schemas.CaptureSource
	detector  Detector
	proposer  Proposer
	publisher schemas.Publisher
	profiles  schemas.ProfileProvider
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	window  *activity.WindowStore
	tracker *tracker.Tracker

	mu             sync.Mutex
	cyclesWithData int
	state          atomic.Int32
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics records cycle outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

// WithClock replaces time.Now for the loop, the window store and the tracker.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) {
		mon.now = now
	}
}

func New(
	cfg config.MonitorConfig,
	source schemas.CaptureSource,
	detector Detector,
	proposer Proposer,
	publisher schemas.Publisher,
	profiles schemas.ProfileProvider,
	logger *zap.Logger,
	opts ...Option,
) (*Monitor, error) {
	if source == nil || detector == nil || proposer == nil || publisher == nil || profiles == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize monitor with nil dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor configuration: %w", err)
	}

	m := &Monitor{
		cfg:       cfg,
		source:    source,
		detector:  detector,
		proposer:  proposer,
		publisher: publisher,
		profiles:  profiles,
		logger:    logger.Named("monitor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = activity.NewWindowStore(cfg.EffectiveWindow(), activity.WithClock(m.now))
	m.tracker = tracker.NewWithClock(m.now)
	return m, nil
}

// State returns the current phase.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	if prev := State(m.state.Swap(int32(s))); prev != s {
		m.logger.Debug("State transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run publishes a startup notice and iterates until ctx is done. A failed or
// panicking iteration is reported to the inbox and the loop carries on. Run
// returns nil once ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("lookback", m.cfg.EffectiveLookback()),
		zap.Int("detect_every", m.cfg.DetectEvery),
	)
	m.notify(ctx, StartedTitle, fmt.Sprintf("monitoring every %s", m.cfg.Interval))

	for {
		if err := m.safeRunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			m.report(ctx, err)
		}

		m.setState(StateSleeping)
		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateIdle)
			m.logger.Info("Monitor stopped")
			return nil
		case <-timer.C:
		}
	}

	m.setState(StateIdle)
	m.logger.Info("Monitor stopped")
	return nil
}

// safeRunOnce converts a panic inside an iteration into a CycleError.
func (m *Monitor) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic recovered during monitor iteration",
				zap.Any("panic_value", r),
				zap.Stack("stack"),
			)
			m.metrics.Failure(string(CodePanic))
			m.metrics.Cycle(metrics.CycleFailed, 0)
			m.setState(StateIdle)
			err = &CycleError{Code: CodePanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return m.RunOnce(ctx)
}

// report logs a failed iteration and tells the user about it.
func (m *Monitor) report(ctx context.Context, err error) {
	code := CodeCaptureFailed
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		code = cycleErr.Code
	}
	m.logger.Error("Monitor iteration failed", zap.String("code", string(code)), zap.Error(err))
	m.notify(ctx, ErrorTitle, err.Error())
}

func (m *Monitor) notify(ctx context.Context, title, body string) {
	if err := m.publisher.Publish(ctx, title, body); err != nil {
		m.logger.Warn("Failed to publish notice", zap.String("title", title), zap.Error(err))
	}
}

// RunOnce performs a single iteration.
func (m *Monitor) RunOnce(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.setState(StateIdle)

	start := m.now()
	err := m.iterate(ctx, start)
	m.metrics.State(m.window.Len(), m.tracker.Len())

	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		m.metrics.Failure(string(cycleErr.Code))
		m.metrics.Cycle(metrics.CycleFailed, time.Since(start))
	}
	return err
}

func (m *Monitor) iterate(ctx context.Context, start time.Time) error {
	m.setState(StatePolling)
	items, err := m.poll(ctx, start)
	if err != nil {
		return &CycleError{Code: CodeCaptureFailed, Err: err}
	}
	if len(items) == 0 {
		m.logger.Debug("No capture data in lookback, skipping cycle")
		m.metrics.Cycle(metrics.CycleSkipped, time.Since(start))
		return nil
	}

	m.setState(StateNormalizing)
	activity.SortByTimestamp(items)
	snapshot := activity.Normalize(items)
	m.window.Push(snapshot)
	m.cyclesWithData++

	if m.cyclesWithData%m.cfg.DetectEvery != 0 {
		m.metrics.Cycle(metrics.CycleOK, time.Since(start))
		return nil
	}

	m.setState(StateDetecting)
	detection := m.detector.Detect(ctx, m.window.Recent(m.cfg.EffectiveWindow()))
	if !detection.HasForm {
		m.metrics.Cycle(metrics.CycleOK, time.Since(start))
		return nil
	}

	latest, ok := m.window.Latest()
	if !ok {
		m.logger.Debug("Window emptied by eviction, skipping proposal")
		m.metrics.Cycle(metrics.CycleOK, time.Since(start))
		return nil
	}
	if err := m.propose(ctx, detection, latest); err != nil {
		return err
	}
	m.metrics.Cycle(metrics.CycleOK, time.Since(start))
	return nil
}

// poll reads the OCR and UI streams over the lookback concurrently and merges
// them.
func (m *Monitor) poll(ctx context.Context, end time.Time) ([]schemas.RawCaptureItem, error) {
	begin := end.Add(-m.cfg.EffectiveLookback())
	contentTypes := []schemas.ContentType{schemas.ContentOCR, schemas.ContentUI}
	results := make([][]schemas.RawCaptureItem, len(contentTypes))

	g, gctx := errgroup.WithContext(ctx)
	for i, ct := range contentTypes {
		g.Go(func() error {
			items, err := m.source.Query(gctx, schemas.CaptureQuery{
				StartTime:   begin,
				EndTime:     end,
				ContentType: ct,
			})
			if err != nil {
				return fmt.Errorf("failed to query %s captures: %w", ct, err)
			}
			m.metrics.Captured(string(ct), len(items))
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []schemas.RawCaptureItem
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

// identifierFor picks the URL to track a positive detection under.
func identifierFor(detection schemas.DetectionResult, snapshot schemas.ActivitySnapshot) string {
	if url := detection.URLOrEmpty(); url != "" {
		return url
	}
	if len(snapshot.URLs) > 0 {
		return snapshot.URLs[0]
	}
	if len(snapshot.Apps) > 0 {
		return snapshot.Apps[0]
	}
	return ""
}

func (m *Monitor) propose(ctx context.Context, detection schemas.DetectionResult, snapshot schemas.ActivitySnapshot) error {
	identifier := identifierFor(detection, snapshot)
	if identifier == "" {
		m.logger.Debug("Positive detection without any identifier, skipping")
		return nil
	}
	if detection.URLOrEmpty() == "" {
		detection.URL = &identifier
	}

	fingerprint := tracker.Fingerprint(snapshot)
	if !m.tracker.ShouldAnalyze(identifier, fingerprint) {
		m.logger.Debug("Content unchanged since last proposal", zap.String("identifier", identifier))
		m.metrics.Proposal(metrics.ProposalUnchanged)
		return nil
	}

	m.setState(StateProposing)
	profile, err := m.profiles.Profile(ctx)
	if err != nil {
		m.logger.Warn("Profile unavailable, proposing without it", zap.Error(err))
		profile = ""
	}

	proposal, err := m.proposer.Propose(ctx, detection, profile)
	switch {
	case errors.Is(err, proposer.ErrRateLimited):
		return nil
	case err != nil:
		return &CycleError{Code: CodeProposeFailed, Err: err}
	case proposal == nil:
		return nil
	}

	m.tracker.Record(identifier, fingerprint)
	return nil
}
