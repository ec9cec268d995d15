package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
	"github.com/sundai-club/tasks-auto-complete/internal/metrics"
	"github.com/sundai-club/tasks-auto-complete/internal/profile"
	"github.com/sundai-club/tasks-auto-complete/internal/proposer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const formURL = "https://example.com/signup"

// -- Fakes --

type fakeSource struct {
	mu      sync.Mutex
	queries []schemas.CaptureQuery
	query   func(q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error)
}

func (f *fakeSource) Query(_ context.Context, q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.query == nil {
		return nil, nil
	}
	return f.query(q)
}

// ocrOnly serves items on the OCR stream and nothing on the UI stream.
func ocrOnly(items func() []schemas.RawCaptureItem) func(schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
	return func(q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
		if q.ContentType != schemas.ContentOCR {
			return nil, nil
		}
		return items(), nil
	}
}

func ocr(text, url string, ts time.Time) schemas.RawCaptureItem {
	return schemas.NewOCRCapture(schemas.OCRItem{Text: text, URL: url, AppName: "Chrome", Timestamp: ts})
}

type stubDetector struct {
	mu     sync.Mutex
	calls  int
	result schemas.DetectionResult
	panics int
}

func (d *stubDetector) Detect(context.Context, []schemas.ActivitySnapshot) schemas.DetectionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.panics > 0 {
		d.panics--
		panic("classifier exploded")
	}
	return d.result
}

func (d *stubDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type mockProposer struct {
	mock.Mock
}

func (m *mockProposer) Propose(ctx context.Context, detection schemas.DetectionResult, profile string) (*schemas.TaskProposal, error) {
	args := m.Called(ctx, detection, profile)
	p, _ := args.Get(0).(*schemas.TaskProposal)
	return p, args.Error(1)
}

type notice struct{ title, body string }

type recordingPublisher struct {
	mu      sync.Mutex
	notices []notice
}

func (p *recordingPublisher) Publish(_ context.Context, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, notice{title, body})
	return nil
}

func (p *recordingPublisher) Titles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.notices))
	for i, n := range p.notices {
		out[i] = n.title
	}
	return out
}

func (p *recordingPublisher) Find(title string) (notice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.notices {
		if n.title == title {
			return n, true
		}
	}
	return notice{}, false
}

func positive(url string) schemas.DetectionResult {
	ts := "2024-01-01T11:59:59Z"
	r := schemas.DetectionResult{HasForm: true, Timestamp: &ts}
	if url != "" {
		r.URL = &url
	}
	return r
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:          30 * time.Second,
		DetectEvery:       1,
		ClassifierTimeout: time.Second,
		ProposalInterval:  time.Minute,
		ProposalBurst:     1,
		Platform:          "web",
	}
}

type harness struct {
	mon       *Monitor
	source    *fakeSource
	detector  *stubDetector
	proposer  *mockProposer
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg config.MonitorConfig, opts ...Option) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		source:    &fakeSource{},
		detector:  &stubDetector{},
		proposer:  &mockProposer{},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(nil),
		logs:      logs,
	}
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	mon, err := New(cfg, h.source, h.detector, h.proposer, h.publisher, profile.Static("Name: Ada"), zap.New(core), opts...)
	require.NoError(t, err)
	h.mon = mon
	return h
}

func fixedClock() Option {
	return WithClock(func() time.Time { return t0 })
}

// -- Tests --

func TestNew_RejectsNilDependencies(t *testing.T) {
	_, err := New(monitorConfig(), nil, &stubDetector{}, &mockProposer{}, &recordingPublisher{}, profile.Static(""), zap.NewNop())
	assert.Error(t, err)

	cfg := monitorConfig()
	cfg.DetectEvery = 0
	_, err = New(cfg, &fakeSource{}, &stubDetector{}, &mockProposer{}, &recordingPublisher{}, profile.Static(""), zap.NewNop())
	assert.Error(t, err)
}

func TestRunOnce_QueriesBothStreamsOverLookback(t *testing.T) {
	cfg := monitorConfig()
	cfg.Lookback = 45 * time.Second
	h := newHarness(t, cfg, fixedClock())

	require.NoError(t, h.mon.RunOnce(context.Background()))

	require.Len(t, h.source.queries, 2)
	var types []schemas.ContentType
	for _, q := range h.source.queries {
		types = append(types, q.ContentType)
		assert.Equal(t, t0.Add(-45*time.Second), q.StartTime)
		assert.Equal(t, t0, q.EndTime)
	}
	assert.ElementsMatch(t, []schemas.ContentType{schemas.ContentOCR, schemas.ContentUI}, types)
}

func TestRunOnce_SkipsEmptyCycle(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())

	require.NoError(t, h.mon.RunOnce(context.Background()))

	assert.Zero(t, h.detector.Calls())
	assert.Zero(t, h.mon.window.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues(metrics.CycleSkipped)))
	assert.Equal(t, StateIdle, h.mon.State())
}

func TestRunOnce_DetectsEveryNthCycleWithData(t *testing.T) {
	cfg := monitorConfig()
	cfg.DetectEvery = 2
	h := newHarness(t, cfg, fixedClock())

	withData := true
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		if !withData {
			return nil
		}
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0.Add(-time.Second))}
	})

	ctx := context.Background()
	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Equal(t, 0, h.detector.Calls())

	withData = false
	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Equal(t, 0, h.detector.Calls(), "empty cycles do not advance the cadence")

	withData = true
	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Equal(t, 1, h.detector.Calls())
	require.NoError(t, h.mon.RunOnce(ctx))
	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Equal(t, 2, h.detector.Calls())
}

func TestRunOnce_ProposesOncePerContent(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.detector.result = positive(formURL)

	text := "Email Password Sign up"
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr(text, formURL, t0.Add(-time.Second))}
	})
	h.proposer.On("Propose", mock.Anything, h.detector.result, "Name: Ada").
		Return(&schemas.TaskProposal{ID: "p1", Identifier: formURL}, nil)

	ctx := context.Background()
	require.NoError(t, h.mon.RunOnce(ctx))
	require.NoError(t, h.mon.RunOnce(ctx))
	h.proposer.AssertNumberOfCalls(t, "Propose", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Proposals.WithLabelValues(metrics.ProposalUnchanged)))

	state, ok := h.mon.tracker.State(formURL)
	require.True(t, ok)
	assert.Equal(t, text, state.LastContentFingerprint)
	assert.Equal(t, t0, state.LastChecked)

	text = "Email Password Sign up Terms"
	require.NoError(t, h.mon.RunOnce(ctx))
	h.proposer.AssertNumberOfCalls(t, "Propose", 2)
}

func TestRunOnce_RateLimitedProposalIsNotRecorded(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.detector.result = positive(formURL)
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0.Add(-time.Second))}
	})
	h.proposer.On("Propose", mock.Anything, mock.Anything, mock.Anything).Return(nil, proposer.ErrRateLimited).Once()
	h.proposer.On("Propose", mock.Anything, mock.Anything, mock.Anything).Return(&schemas.TaskProposal{ID: "p1"}, nil).Once()

	ctx := context.Background()
	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Zero(t, h.mon.tracker.Len())

	require.NoError(t, h.mon.RunOnce(ctx))
	assert.Equal(t, 1, h.mon.tracker.Len())
	h.proposer.AssertNumberOfCalls(t, "Propose", 2)
}

func TestRunOnce_IdentifierFallsBackToSnapshot(t *testing.T) {
	t.Run("first URL", func(t *testing.T) {
		h := newHarness(t, monitorConfig(), fixedClock())
		h.detector.result = positive("")
		h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
			return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0.Add(-time.Second))}
		})
		h.proposer.On("Propose", mock.Anything, mock.MatchedBy(func(d schemas.DetectionResult) bool {
			return d.URLOrEmpty() == formURL
		}), mock.Anything).Return(&schemas.TaskProposal{ID: "p1"}, nil)

		require.NoError(t, h.mon.RunOnce(context.Background()))
		h.proposer.AssertExpectations(t)
		_, ok := h.mon.tracker.State(formURL)
		assert.True(t, ok)
	})

	t.Run("first app", func(t *testing.T) {
		h := newHarness(t, monitorConfig(), fixedClock())
		h.detector.result = positive("")
		h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
			return []schemas.RawCaptureItem{ocr("Sign up", "", t0.Add(-time.Second))}
		})
		h.proposer.On("Propose", mock.Anything, mock.Anything, mock.Anything).Return(&schemas.TaskProposal{ID: "p1"}, nil)

		require.NoError(t, h.mon.RunOnce(context.Background()))
		_, ok := h.mon.tracker.State("Chrome")
		assert.True(t, ok)
	})
}

func TestRunOnce_EvictedSnapshotIsNotProposed(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.detector.result = positive(formURL)
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0.Add(-24*time.Hour))}
	})

	require.NoError(t, h.mon.RunOnce(context.Background()))
	assert.Zero(t, h.mon.window.Len())
	h.proposer.AssertNotCalled(t, "Propose", mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, h.mon.tracker.Len())
}

func TestRunOnce_CaptureFailure(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.source.query = func(q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
		if q.ContentType == schemas.ContentUI {
			return nil, errors.New("connection refused")
		}
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0)}, nil
	}

	err := h.mon.RunOnce(context.Background())
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, CodeCaptureFailed, cycleErr.Code)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, h.mon.window.Len(), "a failed poll mutates nothing")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Failures.WithLabelValues(string(CodeCaptureFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues(metrics.CycleFailed)))
}

func TestRunOnce_ProposeFailure(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.detector.result = positive(formURL)
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0)}
	})
	h.proposer.On("Propose", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("model offline"))

	err := h.mon.RunOnce(context.Background())
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, CodeProposeFailed, cycleErr.Code)
	assert.Zero(t, h.mon.tracker.Len())
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	cfg := monitorConfig()
	cfg.Interval = 10 * time.Millisecond
	h := newHarness(t, cfg)

	var mu sync.Mutex
	failures := 1
	h.source.query = func(q schemas.CaptureQuery) ([]schemas.RawCaptureItem, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 && q.ContentType == schemas.ContentOCR {
			failures--
			return nil, errors.New("screenpipe unavailable")
		}
		if q.ContentType != schemas.ContentOCR {
			return nil, nil
		}
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, time.Now())}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mon.Run(ctx) }()

	require.Eventually(t, func() bool { return h.detector.Calls() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	titles := h.publisher.Titles()
	require.NotEmpty(t, titles)
	assert.Equal(t, StartedTitle, titles[0])
	n, ok := h.publisher.Find(ErrorTitle)
	require.True(t, ok, "the failed iteration is reported")
	assert.Contains(t, n.body, string(CodeCaptureFailed))
	started, _ := h.publisher.Find(StartedTitle)
	assert.Equal(t, "monitoring every 10ms", started.body)
	assert.Equal(t, StateIdle, h.mon.State())
}

func TestRun_RecoversFromPanic(t *testing.T) {
	cfg := monitorConfig()
	cfg.Interval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.detector.panics = 1
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, time.Now())}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mon.Run(ctx) }()

	require.Eventually(t, func() bool { return h.detector.Calls() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	n, ok := h.publisher.Find(ErrorTitle)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(n.body, string(CodePanic)), n.body)

	panics := h.logs.FilterMessage("Panic recovered during monitor iteration").All()
	require.Len(t, panics, 1)
	assert.Contains(t, panics[0].ContextMap(), "stack")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Failures.WithLabelValues(string(CodePanic))))
}

func TestRun_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, monitorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.mon.Run(ctx))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "normalizing", StateNormalizing.String())
	assert.Equal(t, "detecting", StateDetecting.String())
	assert.Equal(t, "proposing", StateProposing.String())
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestStateTransitionsAreLogged(t *testing.T) {
	h := newHarness(t, monitorConfig(), fixedClock())
	h.source.query = ocrOnly(func() []schemas.RawCaptureItem {
		return []schemas.RawCaptureItem{ocr("Sign up", formURL, t0)}
	})

	require.NoError(t, h.mon.RunOnce(context.Background()))

	var to []string
	for _, e := range h.logs.FilterMessage("State transition").All() {
		to = append(to, e.ContextMap()["to"].(string))
	}
	assert.Equal(t, []string{"polling", "normalizing", "detecting", "idle"}, to)
}
