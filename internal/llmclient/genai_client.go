// internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
)

// contentGenerator is the slice of the genai Models service the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIClient serves Gemini models through Vertex AI using application default credentials.
type GenAIClient struct {
	models contentGenerator
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewGenAIClient creates a Vertex AI backed client.
func NewGenAIClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.Project == "" || cfg.Location == "" {
		return nil, fmt.Errorf("vertex provider requires project and location for model %q", cfg.Model)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.Project,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	return newGenAIClient(client.Models, cfg, logger), nil
}

func newGenAIClient(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GenAIClient {
	return &GenAIClient{models: models, cfg: cfg, logger: logger.Named("llm_client.vertex")}
}

// Generate issues a single generateContent call.
func (c *GenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, genai.Text(req.UserPrompt), c.generationConfig(req))
	if err != nil {
		return "", fmt.Errorf("vertex generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("vertex returned no candidates")
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("vertex returned empty content (reason: %s)", resp.Candidates[0].FinishReason)
	}

	fields := []zap.Field{zap.String("model", c.cfg.Model), zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("completion_tokens", resp.UsageMetadata.CandidatesTokenCount))
	}
	c.logger.Info("LLM generation complete.", fields...)
	return text, nil
}

// Close is a no-op; the genai client holds no closable resources.
func (c *GenAIClient) Close() error { return nil }

func (c *GenAIClient) generationConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	if c.cfg.TopP > 0 {
		gc.TopP = genai.Ptr(c.cfg.TopP)
	}
	if c.cfg.TopK > 0 {
		gc.TopK = genai.Ptr(float32(c.cfg.TopK))
	}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	return gc
}
