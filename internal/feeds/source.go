package feeds

import (
	"context"
	"time"

	"threatsync/internal/models"
)

// Source is one upstream threat feed.
type Source interface {
	Name() models.Source
	// Fetch returns the raw payload of the latest items. It blocks on the
	// adapter's rate limiter instead of failing.
	Fetch(ctx context.Context) (Payload, error)
	// Available reports the adapter's availability flag.
	Available() bool
}

// Config configures one adapter. Zero values pick the adapter defaults.
type Config struct {
	BaseURL     string
	APIKey      string
	PageSize    int
	Lookback    time.Duration
	MinInterval time.Duration
	RetryDelay  time.Duration
	Timeout     time.Duration
}
