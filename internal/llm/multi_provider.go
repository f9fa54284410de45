package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitedProvider spaces calls to one provider to stay under its quota.
type RateLimitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewRateLimitedProvider wraps a provider with a requests-per-minute limit.
func NewRateLimitedProvider(provider Provider, requestsPerMinute int) *RateLimitedProvider {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 8
	}
	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

// Complete waits for a token, then delegates.
func (p *RateLimitedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return p.provider.Complete(ctx, prompt)
}

func (p *RateLimitedProvider) Close() error {
	return p.provider.Close()
}

func (p *RateLimitedProvider) Info() ProviderInfo {
	return p.provider.Info()
}

// MultiProviderClient is an oracle chain. Requests go to the active
// provider; the chain advances when it keeps failing or is rate limited.
type MultiProviderClient struct {
	providers   []Provider
	maxFailures int
	logger      *zap.Logger

	mu      sync.RWMutex
	active  int
	strikes []int // Consecutive failures per provider
}

// MultiProviderConfig lists the oracle chain in failover order.
type MultiProviderConfig struct {
	Providers   []ProviderConfig
	MaxFailures int // Consecutive failures before moving to the next provider
}

// NewMultiProviderClient builds every configured provider and chains them
// in order. Providers that fail to initialize are skipped.
func NewMultiProviderClient(ctx context.Context, cfg MultiProviderConfig, logger *zap.Logger) (*MultiProviderClient, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	providers := make([]Provider, 0, len(cfg.Providers))

	for i, providerCfg := range cfg.Providers {
		var provider Provider
		var err error

		switch providerCfg.Type {
		case ProviderOpenAI:
			provider, err = NewOpenAIClient(providerCfg, logger)
		case ProviderGemini:
			provider, err = NewGeminiClient(ctx, providerCfg, logger)
		default:
			logger.Warn("Unknown provider type, skipping",
				zap.String("type", string(providerCfg.Type)),
				zap.Int("index", i))
			continue
		}

		if err != nil {
			logger.Error("Failed to create provider",
				zap.String("type", string(providerCfg.Type)),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}

		providers = append(providers, NewRateLimitedProvider(provider, providerCfg.RequestsPerMinute))

		logger.Info("Provider initialized",
			zap.String("type", string(providerCfg.Type)),
			zap.String("model", providerCfg.ModelName),
			zap.Int("requests_per_minute", providerCfg.RequestsPerMinute),
			zap.Int("index", i))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers could be initialized")
	}

	return NewFailover(providers, cfg.MaxFailures, logger), nil
}

// NewFailover chains already constructed providers.
func NewFailover(providers []Provider, maxFailures int, logger *zap.Logger) *MultiProviderClient {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &MultiProviderClient{
		providers:   providers,
		maxFailures: maxFailures,
		logger:      logger,
		strikes:     make([]int, len(providers)),
	}
}

func (c *MultiProviderClient) current() (int, Provider) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.providers[c.active]
}

// failed counts a failure against provider idx and advances the chain when
// the provider is exhausted or rate limited. It reports whether the chain
// moved on.
func (c *MultiProviderClient) failed(idx int, rateLimited bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.strikes[idx]++
	if !rateLimited && c.strikes[idx] < c.maxFailures {
		return false
	}
	c.strikes[idx] = 0

	// Another caller may already have moved past idx.
	if c.active == idx {
		c.active = (idx + 1) % len(c.providers)
		c.logger.Warn("Oracle provider exhausted, moving to next",
			zap.Int("from", idx),
			zap.Int("to", c.active),
			zap.Bool("rate_limited", rateLimited))
	}
	return true
}

func (c *MultiProviderClient) succeeded(idx int) {
	c.mu.Lock()
	c.strikes[idx] = 0
	c.mu.Unlock()
}

// Complete asks the active provider. Each provider gets at most one try
// per call.
func (c *MultiProviderClient) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for tries := 0; tries < len(c.providers); tries++ {
		idx, provider := c.current()

		answer, err := provider.Complete(ctx, prompt)
		if err == nil {
			c.succeeded(idx)
			return answer, nil
		}
		lastErr = err

		c.logger.Warn("Oracle provider failed",
			zap.Int("provider", idx),
			zap.String("model", provider.Info().Model),
			zap.Error(err))

		if ctx.Err() != nil || !c.failed(idx, isRateLimitError(err)) {
			break
		}
	}

	return "", fmt.Errorf("oracle request failed: %w", lastErr)
}

// Close releases every provider and returns the first error.
func (c *MultiProviderClient) Close() error {
	var first error
	for _, p := range c.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Info describes the active provider.
func (c *MultiProviderClient) Info() ProviderInfo {
	_, provider := c.current()
	return provider.Info()
}
