// Package classifier asks the oracle for a severity classification and
// falls back to a fixed verdict whenever no usable answer is available.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threatsync/internal/llm"
	"threatsync/internal/metrics"
	"threatsync/internal/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Fallback causes, also used as metric labels.
const (
	CauseNotConfigured = "not_configured"
	CauseUnavailable   = "unavailable"
	CauseUnparseable   = "unparseable"
	CauseCircuitOpen   = "circuit_open"
)

// Config controls the breaker in front of the oracle.
type Config struct {
	BreakerMaxFailures uint32        // Consecutive failures that open the breaker
	BreakerOpenTimeout time.Duration // Time in open state before a trial request
}

// Classifier classifies threats. It never fails: every error path yields
// the fallback classification.
type Classifier struct {
	provider llm.Provider // Nil when no oracle is configured
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Classifier. provider may be nil.
func New(provider llm.Provider, cfg Config, logger *zap.Logger) *Classifier {
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout == 0 {
		cfg.BreakerOpenTimeout = time.Minute
	}

	maxFailures := cfg.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Oracle circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Classifier{
		provider: provider,
		breaker:  breaker,
		logger:   logger,
		now:      time.Now,
	}
}

// Classify returns the oracle's classification of t, or the fallback.
func (c *Classifier) Classify(ctx context.Context, t models.CanonicalThreat) models.Classification {
	if c.provider == nil {
		return c.fallback(CauseNotConfigured, "oracle not configured")
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.provider.Complete(ctx, BuildPrompt(t))
	})
	metrics.ClassifierLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return c.fallback(CauseCircuitOpen, "circuit open")
		}
		c.logger.Warn("Oracle call failed",
			zap.String("title", t.Title),
			zap.Error(err))
		return c.fallback(CauseUnavailable, fmt.Sprintf("oracle unavailable: %v", err))
	}

	raw, _ := out.(string)
	result, err := parseAnswer(raw)
	if err != nil {
		c.logger.Warn("Unparseable oracle response",
			zap.String("title", t.Title),
			zap.String("response", truncate(raw, 500)),
			zap.Error(err))
		return c.fallback(CauseUnparseable, fmt.Sprintf("unparseable oracle response: %v", err))
	}

	info := c.provider.Info()
	result.Provider = info.Provider
	result.Model = info.Model
	result.ClassifiedAt = c.now().UTC()

	c.logger.Debug("Threat classified",
		zap.String("title", t.Title),
		zap.String("tier", string(result.Tier)),
		zap.Int("confidence", result.Confidence))

	return result
}

// fallback is the deterministic verdict used when the oracle cannot help.
func (c *Classifier) fallback(cause, reasoning string) models.Classification {
	metrics.ClassifierFallbacks.WithLabelValues(cause).Inc()
	return models.Classification{
		Tier:               models.TierMedium,
		Confidence:         fallbackConfidence,
		Reasoning:          "Automatic classification failed: " + reasoning,
		RecommendedActions: "Review the threat manually and assign a tier.",
		NextSteps:          models.StringList{manualReviewStep},
		Keywords:           models.StringList{},
		BioSectorRelevance: defaultRelevance,
		Provider:           "fallback",
		Fallback:           true,
		ClassifiedAt:       c.now().UTC(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
