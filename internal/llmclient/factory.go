// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
)

// NewClient creates the provider client for one model entry.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderVertex:
		return NewGenAIClient(ctx, cfg, logger)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderVertex, config.ProviderOpenAI, config.ProviderOllama)
	}
}

// NewRouterFromConfig builds the fast and powerful tier clients named by the
// router config, wraps them in one shared rate limiter and returns the router.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	build := func(name string) (schemas.LLMClient, error) {
		modelCfg, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %q is not defined under agent.llm.models", name)
		}
		if modelCfg.Model == "" {
			modelCfg.Model = name
		}
		return NewClient(ctx, modelCfg, logger)
	}

	fast, err := build(cfg.DefaultFastModel)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful := fast
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		if powerful, err = build(cfg.DefaultPowerfulModel); err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("powerful tier: %w", err)
		}
	}

	limiter := NewLimiter(cfg.RequestsPerSecond, cfg.Burst)
	if powerful == fast {
		shared := NewRateLimitedClient(fast, limiter)
		return NewLLMRouter(logger, shared, shared)
	}
	return NewLLMRouter(logger, NewRateLimitedClient(fast, limiter), NewRateLimitedClient(powerful, limiter))
}
