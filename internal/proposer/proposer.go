// Package proposer turns a positive form detection into a step-by-step fill
// plan and publishes it to the inbox.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/llmutil"
	"github.com/sundai-club/tasks-auto-complete/internal/metrics"
)

// TaskMarker prefixes every published task body. Inbox consumers look for it
// to tell tasks apart from other notices.
const TaskMarker = "[tasks-auto-complete] TASK:"

// TaskTitle is the inbox title of a published proposal.
const TaskTitle = "tasks-auto-complete task"

// DefaultTimeout bounds a single plan synthesis call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrRateLimited is returned when the proposal budget is exhausted.
	ErrRateLimited = errors.New("proposal rate limit exceeded")
	// ErrEmptyTask is returned when the model produced no usable plan text.
	ErrEmptyTask = errors.New("model returned an empty task")
)

var planSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"task", "confidence"},
	"properties": map[string]interface{}{
		"task":       map[string]interface{}{"type": "string", "description": "the step-by-step plan, one step per line"},
		"confidence": map[string]interface{}{"type": "number", "description": "confidence from 0 to 1 that this plan fills the form correctly"},
	},
}

type plan struct {
	Task       string  `json:"task"`
	Confidence float64 `json:"confidence"`
}

// Proposer synthesizes and publishes task proposals.
type Proposer struct {
	client    schemas.LLMClient
	publisher schemas.Publisher
	limiter   *rate.Limiter
	platform  string
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures a Proposer.
type Option func(*Proposer)

// WithRateLimit allows one proposal every interval with the given burst.
// A non-positive interval disables limiting.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(p *Proposer) {
		if burst < 1 {
			burst = 1
		}
		if interval <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, burst)
			return
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// WithPlatform sets TaskProposal.Platform.
func WithPlatform(platform string) Option {
	return func(p *Proposer) {
		if platform != "" {
			p.platform = platform
		}
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(p *Proposer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMetrics records proposal outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proposer) {
		p.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Proposer) {
		p.now = now
	}
}

// New creates a Proposer. By default one proposal per minute is allowed.
func New(client schemas.LLMClient, publisher schemas.Publisher, logger *zap.Logger, opts ...Option) *Proposer {
	p := &Proposer{
		client:    client,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Every(time.Minute), 1),
		platform:  "web",
		timeout:   DefaultTimeout,
		logger:    logger.Named("proposer"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propose synthesizes a plan for detection and publishes it. It returns
// (nil, nil) without side effects when detection.HasForm is false.
// ErrRateLimited means nothing was synthesized or published. A publish
// failure is logged and does not fail the proposal.
func (p *Proposer) Propose(ctx context.Context, detection schemas.DetectionResult, profile string) (*schemas.TaskProposal, error) {
	if !detection.HasForm {
		return nil, nil
	}

	identifier := detection.URLOrEmpty()
	if !p.limiter.Allow() {
		p.logger.Info("Proposal suppressed by rate limiter", zap.String("identifier", identifier))
		p.metrics.Proposal(metrics.ProposalRateLimited)
		return nil, ErrRateLimited
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, err := llmutil.Complete[plan](callCtx, p.client, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(detection, profile),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.3},
	}, planSchema)
	if err != nil {
		p.logger.Warn("Plan synthesis failed", zap.String("identifier", identifier), zap.Error(err))
		p.metrics.Proposal(metrics.ProposalFailed)
		return nil, fmt.Errorf("failed to synthesize plan: %w", err)
	}

	content := CollapseWhitespace(result.Task)
	if content == "" {
		p.metrics.Proposal(metrics.ProposalFailed)
		return nil, ErrEmptyTask
	}

	timestamp := detection.TimestampOrEmpty()
	if timestamp == "" {
		timestamp = p.now().UTC().Format(time.RFC3339)
	}
	proposal := &schemas.TaskProposal{
		ID:         p.newID(),
		Platform:   p.platform,
		Identifier: identifier,
		Timestamp:  timestamp,
		Content:    content,
		Confidence: clamp(result.Confidence),
	}

	if err := p.publisher.Publish(ctx, TaskTitle, FormatTaskBody(content)); err != nil {
		p.logger.Warn("Failed to publish proposal", zap.String("id", proposal.ID), zap.Error(err))
	}
	p.metrics.Proposal(metrics.ProposalPublished)
	p.logger.Info("Proposal published",
		zap.String("id", proposal.ID),
		zap.String("identifier", proposal.Identifier),
		zap.Float64("confidence", proposal.Confidence),
	)
	return proposal, nil
}

// FormatTaskBody prefixes an already collapsed task text with TaskMarker.
func FormatTaskBody(task string) string {
	return TaskMarker + " " + task
}

// CollapseWhitespace replaces every run of whitespace, newlines included,
// with a single space and trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
