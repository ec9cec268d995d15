package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaClient implements schemas.LLMClient against a local Ollama server's
// non-streaming /api/generate endpoint.
type OllamaClient struct {
	endpoint       string
	httpClient     *http.Client
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*OllamaClient)(nil)

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  interface{}   `json:"format,omitempty"`
	Options ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// NewOllamaClient initializes the client. An empty endpoint means the default local server.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model name is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaClient{
		endpoint:       endpoint + "/api/generate",
		httpClient:     &http.Client{Timeout: cfg.APITimeout},
		logger:         logger.Named("llm_client.ollama"),
		config:         cfg,
		backoffFactory: defaultBackoff,
	}, nil
}

// Generate sends a single non-streaming generation request.
func (c *OllamaClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Error("Ollama returned error status", zap.Int("status", resp.StatusCode), zap.String("response", string(respBody)))
			err := fmt.Errorf("ollama API error: status %d, body: %s", resp.StatusCode, string(respBody))
			if isTransientStatus(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		var payload ollamaGenerateResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode ollama response: %w", err))
		}
		if payload.Error != "" {
			return backoff.Permanent(fmt.Errorf("ollama error: %s", payload.Error))
		}

		c.logger.Info("LLM generation complete (Ollama)",
			zap.Duration("duration", time.Since(start)),
			zap.String("model", payload.Model),
			zap.Int("prompt_tokens", payload.PromptEvalCount),
			zap.Int("completion_tokens", payload.EvalCount),
		)
		text = payload.Response
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// Close is a no-op.
func (c *OllamaClient) Close() error { return nil }

func (c *OllamaClient) buildRequest(req schemas.GenerationRequest) ollamaGenerateRequest {
	out := ollamaGenerateRequest{
		Model:  c.config.Model,
		Prompt: req.UserPrompt,
		System: req.SystemPrompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Options.Temperature,
			TopP:        float64(c.config.TopP),
			TopK:        c.config.TopK,
			NumPredict:  c.config.MaxTokens,
		},
	}
	if out.Options.Temperature == 0 {
		out.Options.Temperature = float64(c.config.Temperature)
	}
	if req.Options.ForceJSONFormat {
		// Ollama accepts either "json" or a full JSON schema object.
		if len(req.Options.ResponseSchema) > 0 {
			out.Format = req.Options.ResponseSchema
		} else {
			out.Format = "json"
		}
	}
	return out
}
