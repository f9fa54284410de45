package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible chat completions API
// (OpenAI, Groq, OpenRouter, local gateways).
type OpenAIClient struct {
	apiKey       string
	baseURL      string
	modelName    string
	systemPrompt string
	temperature  float32
	maxTokens    int
	httpClient   *http.Client
	logger       *zap.Logger
	maxRetries   int
	retryDelay   time.Duration
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient creates a new chat completions client
func NewOpenAIClient(cfg ProviderConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	if cfg.ModelName == "" {
		cfg.ModelName = "gpt-4o-mini"
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
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

	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger.Info("OpenAI-compatible client initialized",
		zap.String("model", cfg.ModelName),
		zap.String("base_url", cfg.BaseURL),
		zap.Int("max_retries", cfg.MaxRetries))

	return &OpenAIClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		modelName:    cfg.ModelName,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Close releases nothing; the HTTP client is shared per instance.
func (c *OpenAIClient) Close() error {
	return nil
}

// Complete sends the prompt and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.modelName,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:      false,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying chat completion request",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", c.maxRetries))
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return "", err
			}
		}

		content, err := c.do(ctx, jsonData)
		if err == nil {
			c.logger.Debug("Chat completion succeeded",
				zap.String("model", c.modelName),
				zap.Int("attempt", attempt+1))
			return content, nil
		}

		lastErr = err
		c.logger.Error("Chat completion failed", zap.Error(err), zap.Int("attempt", attempt+1))

		// The failover client reacts to rate limits faster than we can here.
		if isRateLimitError(err) || ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *OpenAIClient) do(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: status %d: %s", ErrRateLimited, resp.StatusCode, truncate(string(body), 200))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return "", fmt.Errorf("empty response body")
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}

	return chatResp.Choices[0].Message.Content, nil
}

// Info returns model information
func (c *OpenAIClient) Info() ProviderInfo {
	return ProviderInfo{
		Provider:   string(ProviderOpenAI),
		Model:      c.modelName,
		MaxRetries: c.maxRetries,
		RetryDelay: c.retryDelay.String(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
