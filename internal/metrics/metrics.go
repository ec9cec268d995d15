// Package metrics holds the Prometheus collectors for the monitor pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tasks_auto_complete"

// Label values.
const (
	CycleOK      = "ok"
	CycleSkipped = "skipped"
	CycleFailed  = "failed"

	DetectionForm   = "form"
	DetectionNoForm = "no_form"
	DetectionFailed = "failed"

	ProposalPublished   = "published"
	ProposalUnchanged   = "unchanged"
	ProposalRateLimited = "rate_limited"
	ProposalFailed      = "failed"
)

// Metrics is a set of collectors registered on one registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	CaptureItems      *prometheus.CounterVec
	Detections        *prometheus.CounterVec
	DetectionDuration prometheus.Histogram
	Proposals         *prometheus.CounterVec
	Failures          *prometheus.CounterVec
	WindowSnapshots   prometheus.Gauge
	TrackedURLs       prometheus.Gauge
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of monitor iterations by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a monitor iteration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CaptureItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_items_total",
				Help:      "Raw capture items received by content type",
			},
			[]string{"content_type"},
		),
		Detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Form detections by result",
			},
			[]string{"result"},
		),
		DetectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_duration_seconds",
				Help:      "Duration of classifier calls in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		Proposals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposals_total",
				Help:      "Task proposals by outcome",
			},
			[]string{"outcome"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Iteration failures by error code",
			},
			[]string{"code"},
		),
		WindowSnapshots: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_snapshots",
				Help:      "Snapshots currently retained by the activity window",
			},
		),
		TrackedURLs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_urls",
				Help:      "Locators held by the URL tracker",
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Cycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Captured(contentType string, n int) {
	if m == nil {
		return
	}
	m.CaptureItems.WithLabelValues(contentType).Add(float64(n))
}

func (m *Metrics) Detection(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(result).Inc()
	m.DetectionDuration.Observe(d.Seconds())
}

func (m *Metrics) Proposal(outcome string) {
	if m == nil {
		return
	}
	m.Proposals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Failure(code string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(code).Inc()
}

// State records the sizes of the monitor's in-memory stores.
func (m *Metrics) State(windowSnapshots, trackedURLs int) {
	if m == nil {
		return
	}
	m.WindowSnapshots.Set(float64(windowSnapshots))
	m.TrackedURLs.Set(float64(trackedURLs))
}
