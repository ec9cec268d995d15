package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// GoogleClient implements schemas.LLMClient with the google.golang.org/genai
// SDK. Unlike the REST client it translates JSON schemas into genai.Schema so
// the model is constrained to the requested shape. Calls are single-shot; the
// caller's context bounds them.
type GoogleClient struct {
	client *genai.Client
	config config.LLMModelConfig
	logger *zap.Logger
}

var _ schemas.LLMClient = (*GoogleClient)(nil)

// NewGoogleClient creates the SDK client. cfg.Endpoint, when set, overrides
// the API base URL.
func NewGoogleClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google/Gemini API Key is required (set TAC_GEMINI_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("genai model name is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GoogleClient{
		client: client,
		config: cfg,
		logger: logger.Named("llm_client.genai"),
	}, nil
}

// Generate calls Models.GenerateContent and returns the concatenated text.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model,
		[]*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)},
		c.buildConfig(req),
	)
	if err != nil {
		return "", fmt.Errorf("genai generate content failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("genai returned no candidates")
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount),
			zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount),
		)
	}
	c.logger.Info("LLM generation complete (GenAI)", fields...)

	return resp.Text(), nil
}

// Close is a no-op; the SDK client shares the process HTTP transport.
func (c *GoogleClient) Close() error { return nil }

func (c *GoogleClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}

	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if c.config.TopP > 0 {
		gc.TopP = genai.Ptr(c.config.TopP)
	}
	if c.config.TopK > 0 {
		gc.TopK = genai.Ptr(float32(c.config.TopK))
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
		if len(req.Options.ResponseSchema) > 0 {
			gc.ResponseSchema = toGenAISchema(req.Options.ResponseSchema)
		}
	}
	for category, threshold := range c.config.SafetyFilters {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(threshold),
		})
	}
	return gc
}

// toGenAISchema converts the subset of JSON Schema used by this module
// (type, properties, required, items, enum, minimum, maximum, description)
// into the SDK's OpenAPI-style schema. A type list containing "null" marks
// the field nullable.
func toGenAISchema(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	switch t := m["type"].(type) {
	case string:
		s.Type = genaiType(t)
	case []interface{}:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = genai.Ptr(true)
				continue
			}
			if s.Type == "" {
				s.Type = genaiType(name)
			}
		}
	case []string:
		for _, name := range t {
			if name == "null" {
				s.Nullable = genai.Ptr(true)
				continue
			}
			if s.Type == "" {
				s.Type = genaiType(name)
			}
		}
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = toGenAISchema(sub)
			}
		}
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	if items, ok := m["items"].(map[string]interface{}); ok {
		s.Items = toGenAISchema(items)
	}
	if v, ok := toFloat(m["minimum"]); ok {
		s.Minimum = genai.Ptr(v)
	}
	if v, ok := toFloat(m["maximum"]); ok {
		s.Maximum = genai.Ptr(v)
	}
	return s
}

func genaiType(name string) genai.Type {
	switch name {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
