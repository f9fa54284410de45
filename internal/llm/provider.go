package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai" // Any OpenAI-compatible chat completions endpoint
	ProviderGemini ProviderType = "gemini"
)

// DefaultSystemPrompt is sent as the system message when the provider
// config does not override it.
const DefaultSystemPrompt = "You are a senior cyber threat intelligence analyst for hospitals, " +
	"life-sciences companies and operators of industrial control systems. " +
	"You answer with a single JSON object and nothing else."

// ErrRateLimited is wrapped by providers when the upstream answers 429 or
// reports an exhausted quota.
var ErrRateLimited = errors.New("provider rate limited")

// ProviderConfig holds configuration for a single provider instance
type ProviderConfig struct {
	Type         ProviderType  `yaml:"type"`
	APIKey       string        `yaml:"api_key"`
	ModelName    string        `yaml:"model_name"`
	BaseURL      string        `yaml:"base_url"` // OpenAI-compatible only
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float32       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Timeout      time.Duration `yaml:"timeout"`
	// Rate limiting per provider
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ProviderInfo describes the model answering a request.
type ProviderInfo struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	MaxRetries int    `json:"max_retries"`
	RetryDelay string `json:"retry_delay"`
}

// Provider is a text-completion oracle.
type Provider interface {
	// Complete sends prompt and returns the raw text answer.
	Complete(ctx context.Context, prompt string) (string, error)
	Info() ProviderInfo
	Close() error
}

// isRateLimitError checks if error is a rate limit error
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit")
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
