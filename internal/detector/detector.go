// Package detector asks a language model whether the recent activity window
// shows an unfilled form.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/llmutil"
	"github.com/sundai-club/tasks-auto-complete/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds a single classifier call.
const DefaultTimeout = 30 * time.Second

// ErrInvalidHasForm is returned by ParseDetection when hasForm is missing or
// not a boolean.
var ErrInvalidHasForm = errors.New("detection response has no boolean hasForm")

// responseSchema is advertised to providers that support constrained output.
var responseSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"hasForm", "url", "timestamp"},
	"properties": map[string]interface{}{
		"hasForm":   map[string]interface{}{"type": "boolean", "description": "true if an empty or partially filled web form is visible"},
		"url":       map[string]interface{}{"type": []interface{}{"string", "null"}, "description": "URL of the page with the form"},
		"timestamp": map[string]interface{}{"type": []interface{}{"string", "null"}, "description": "ISO 8601 time the form was observed"},
	},
}

// acceptSchema is what a response must satisfy to be trusted at all. url and
// timestamp are coerced afterwards instead of being validated.
var acceptSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"hasForm"},
	"properties": map[string]interface{}{
		"hasForm": map[string]interface{}{"type": "boolean"},
	},
}

const systemPrompt = `You are a JSON-only API that inspects a user's recent screen activity.
Your task is to decide whether the user is looking at a web page that contains an empty or unfilled form.

Rules:
1. Respond with ONLY a JSON object. No explanations, no markdown, no other text.
2. Use exactly this format: {"hasForm": boolean, "url": string or null, "timestamp": string or null}
3. If there is no empty form, respond {"hasForm": false, "url": null, "timestamp": null}
4. url is the address of the page with the form, timestamp is the ISO 8601 time it was seen.`

// Detector classifies activity windows. It is stateless apart from its
// collaborators and safe for concurrent use.
type Detector struct {
	client  schemas.LLMClient
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.timeout = d
		}
	}
}

// WithMetrics records detection outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(det *Detector) {
		det.metrics = m
	}
}

// New creates a Detector backed by client.
func New(client schemas.LLMClient, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		client:  client,
		timeout: DefaultTimeout,
		logger:  logger.Named("detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect classifies snapshots. Any failure, including a timeout or an
// unusable response, yields schemas.NoForm(); it never returns an error.
func (d *Detector) Detect(ctx context.Context, snapshots []schemas.ActivitySnapshot) schemas.DetectionResult {
	if len(snapshots) == 0 {
		return schemas.NoForm()
	}

	prompt, err := buildPrompt(snapshots)
	if err != nil {
		d.logger.Warn("Failed to build detection prompt", zap.Error(err))
		d.metrics.Detection(metrics.DetectionFailed, 0)
		return schemas.NoForm()
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	raw, err := d.client.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
			ResponseSchema:  responseSchema,
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		d.logger.Warn("Form detection call failed", zap.Error(err), zap.Duration("duration", elapsed))
		d.metrics.Detection(metrics.DetectionFailed, elapsed)
		return schemas.NoForm()
	}

	result, err := ParseDetection(raw)
	if err != nil {
		d.logger.Warn("Unusable form detection response", zap.Error(err), zap.String("response", truncate(raw, 300)))
		d.metrics.Detection(metrics.DetectionFailed, elapsed)
		return schemas.NoForm()
	}

	outcome := metrics.DetectionNoForm
	if result.HasForm {
		outcome = metrics.DetectionForm
	}
	d.metrics.Detection(outcome, elapsed)
	d.logger.Info("Form detection complete",
		zap.Bool("has_form", result.HasForm),
		zap.String("url", result.URLOrEmpty()),
		zap.Int("snapshots", len(snapshots)),
		zap.Duration("duration", elapsed),
	)
	return result
}

// ParseDetection turns a raw model response into a DetectionResult. The first
// balanced JSON object is used; prose around it is ignored. A missing or
// non-boolean hasForm is an error. Non-string url/timestamp values become nil,
// and both are always nil when hasForm is false.
func ParseDetection(raw string) (schemas.DetectionResult, error) {
	obj, err := llmutil.ExtractJSONObject(raw)
	if err != nil {
		return schemas.NoForm(), err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return schemas.NoForm(), fmt.Errorf("failed to decode detection object: %w", err)
	}
	if err := llmutil.Validate(acceptSchema, doc); err != nil {
		return schemas.NoForm(), fmt.Errorf("%w: %v", ErrInvalidHasForm, err)
	}

	hasForm, _ := doc["hasForm"].(bool)
	if !hasForm {
		return schemas.NoForm(), nil
	}
	return schemas.DetectionResult{
		HasForm:   true,
		URL:       stringField(doc, "url"),
		Timestamp: stringField(doc, "timestamp"),
	}, nil
}

func stringField(doc map[string]interface{}, key string) *string {
	s, ok := doc[key].(string)
	if !ok {
		return nil
	}
	return &s
}

// promptSnapshot is the compact view of a snapshot shown to the model.
type promptSnapshot struct {
	Start string      `json:"start"`
	End   string      `json:"end"`
	Apps  []string    `json:"apps,omitempty"`
	URLs  []string    `json:"urls,omitempty"`
	Text  []promptOCR `json:"screen_text,omitempty"`
	UI    []promptUI  `json:"ui_events,omitempty"`
}

type promptOCR struct {
	Timestamp string `json:"timestamp"`
	App       string `json:"app,omitempty"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
}

type promptUI struct {
	Timestamp   string `json:"timestamp"`
	App         string `json:"app,omitempty"`
	URL         string `json:"url,omitempty"`
	Action      string `json:"action,omitempty"`
	ElementType string `json:"element_type,omitempty"`
	ElementText string `json:"element_text,omitempty"`
}

func buildPrompt(snapshots []schemas.ActivitySnapshot) (string, error) {
	view := make([]promptSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		ps := promptSnapshot{
			Start: s.TimeRange.Start.UTC().Format(time.RFC3339),
			End:   s.TimeRange.End.UTC().Format(time.RFC3339),
			Apps:  s.Apps,
			URLs:  s.URLs,
		}
		for _, o := range s.OCREntries {
			ps.Text = append(ps.Text, promptOCR{
				Timestamp: o.Timestamp.UTC().Format(time.RFC3339),
				App:       o.AppName,
				URL:       o.URL,
				Title:     o.Title,
				Text:      o.Text,
			})
		}
		for _, u := range s.UIEntries {
			ps.UI = append(ps.UI, promptUI{
				Timestamp:   u.Timestamp.UTC().Format(time.RFC3339),
				App:         u.AppName,
				URL:         u.URL,
				Action:      u.Action,
				ElementType: u.ElementType,
				ElementText: u.ElementText,
			})
		}
		view = append(view, ps)
	}

	data, err := json.Marshal(view)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Recent screen activity, oldest first:\n<screen_data>\n")
	b.Write(data)
	b.WriteString("\n</screen_data>\n\nDoes this activity show an empty web form? Reply with the JSON object only.")
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
