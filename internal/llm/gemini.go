package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient wraps the Gemini API client
type GeminiClient struct {
	client     *genai.Client
	model      *genai.GenerativeModel
	logger     *zap.Logger
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-2.0-flash"
	}

	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1200
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(cfg.SystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:      genai.Ptr(cfg.Temperature),
		TopP:             genai.Ptr[float32](0.9),
		MaxOutputTokens:  genai.Ptr(int32(cfg.MaxTokens)),
		ResponseMIMEType: "application/json",
	}

	logger.Info("Gemini client initialized",
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &GeminiClient{
		client:     client,
		model:      model,
		logger:     logger,
		modelName:  cfg.ModelName,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Complete generates a JSON answer for prompt.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying Gemini request",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", c.maxRetries))
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return "", err
			}
		}

		resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			lastErr = fmt.Errorf("gemini API error: %w", err)
			c.logger.Error("Gemini API error", zap.Error(err), zap.Int("attempt", attempt+1))
			if isRateLimitError(err) {
				lastErr = fmt.Errorf("%w: %v", ErrRateLimited, err)
				break
			}
			continue
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			lastErr = fmt.Errorf("empty response from gemini")
			c.logger.Error("Empty response from Gemini", zap.Int("attempt", attempt+1))
			continue
		}

		var sb strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		if sb.Len() == 0 {
			lastErr = fmt.Errorf("unexpected response type from gemini")
			c.logger.Error("Unexpected response type", zap.Int("attempt", attempt+1))
			continue
		}

		return sb.String(), nil
	}

	return "", fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

// Info returns model information
func (c *GeminiClient) Info() ProviderInfo {
	return ProviderInfo{
		Provider:   string(ProviderGemini),
		Model:      c.modelName,
		MaxRetries: c.maxRetries,
		RetryDelay: c.retryDelay.String(),
	}
}
