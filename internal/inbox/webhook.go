package inbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// newTaskRequest is the body accepted by the task server's /new-task route.
type newTaskRequest struct {
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
	Title       string `json:"title"`
}

// WebhookPublisher posts tasks to a task server. Messages without the task
// marker are not tasks and are skipped. There is no retry.
type WebhookPublisher struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

var _ schemas.Publisher = (*WebhookPublisher)(nil)

func NewWebhookPublisher(cfg config.WebhookConfig, logger *zap.Logger) *WebhookPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookPublisher{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("inbox.webhook"),
		now:        time.Now,
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, title, body string) error {
	task, ok := ParseTaskLine(body)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(newTaskRequest{
		Description: task,
		Timestamp:   p.now().UTC().Format(time.RFC3339),
		Title:       title,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	p.logger.Debug("Task delivered to webhook", zap.String("url", p.url), zap.Int("status", resp.StatusCode))
	return nil
}
