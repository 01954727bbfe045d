// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
)

const defaultOllamaEndpoint = "http://localhost:11434/v1"

// OpenAIClient serves OpenAI chat models and any OpenAI-compatible endpoint,
// which is how local Ollama models are reached.
type OpenAIClient struct {
	client *openai.Client
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewOpenAIClient creates a chat completion client.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	endpoint := cfg.Endpoint
	if cfg.Provider == config.ProviderOllama {
		if endpoint == "" {
			endpoint = defaultOllamaEndpoint
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required for model %q", cfg.Model)
	}

	oc := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		oc.BaseURL = endpoint
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.Named("llm_client." + string(cfg.Provider)),
	}, nil
}

// Generate issues one chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})

	creq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: float32(req.Options.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
	}
	if c.cfg.TopP > 0 {
		creq.TopP = c.cfg.TopP
	}
	if req.Options.ForceJSONFormat {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("%s chat completion failed: %w", c.cfg.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", c.cfg.Provider)
	}

	c.logger.Info("LLM generation complete.",
		zap.String("model", c.cfg.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op.
func (c *OpenAIClient) Close() error { return nil }
