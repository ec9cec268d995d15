package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// NewClient builds the tiered router described by cfg.LLM. When both tiers
// name the same model a single underlying client is shared.
func NewClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if err := cfg.LLM.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LLM configuration: %w", err)
	}

	fastName := cfg.LLM.DefaultFastModel
	powerfulName := cfg.LLM.DefaultPowerfulModel

	fast, err := NewModelClient(ctx, cfg.LLM.Models[fastName], logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier client %q: %w", fastName, err)
	}

	powerful := fast
	if powerfulName != fastName {
		powerful, err = NewModelClient(ctx, cfg.LLM.Models[powerfulName], logger)
		if err != nil {
			fast.Close()
			return nil, fmt.Errorf("failed to create powerful tier client %q: %w", powerfulName, err)
		}
	}

	return NewLLMRouter(logger, fast, powerful)
}

// NewModelClient creates the provider-specific client for one model entry.
func NewModelClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	var (
		client schemas.LLMClient
		err    error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err = asClient(NewGeminiClient(cfg, logger))
	case config.ProviderGenAI:
		client, err = asClient(NewGoogleClient(ctx, cfg, logger))
	case config.ProviderOllama:
		client, err = asClient(NewOllamaClient(cfg, logger))
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s %s %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGenAI, config.ProviderOllama)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// asClient drops the concrete pointer on error so callers never receive a
// non-nil interface wrapping a nil client.
func asClient[C schemas.LLMClient](c C, err error) (schemas.LLMClient, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
