package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"threatsync/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// request is one request shape an adapter can send.
type request struct {
	url     string
	headers map[string]string
	// limiter overrides the client's default limiter.
	limiter *rate.Limiter
	// retryNotFound retries a 404 once; some endpoints answer 404 while
	// their load balancer is being rerouted.
	retryNotFound bool
	// skipProbe sends the request even while the source is unavailable.
	// Set on credentialed fallbacks, which the anonymous probes cannot vouch for.
	skipProbe bool
}

// httpClient is the HTTP plumbing shared by all adapters. Every adapter
// owns its own instance, so availability and rate limiting are per source.
type httpClient struct {
	source     models.Source
	client     *http.Client
	limiter    *rate.Limiter
	retryDelay time.Duration
	logger     *zap.Logger

	available atomic.Bool
	// probes are known-good request shapes tried in order while the
	// source is marked unavailable.
	probes []request
}

func newHTTPClient(source models.Source, minInterval, retryDelay, timeout time.Duration, logger *zap.Logger) *httpClient {
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &httpClient{
		source:     source,
		client:     &http.Client{Timeout: timeout},
		limiter:    newLimiter(minInterval),
		retryDelay: retryDelay,
		logger:     logger.With(zap.String("source", string(source))),
	}
	c.available.Store(true)
	return c
}

// newLimiter allows one call per interval with no burst.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Available reports whether the last substantive call succeeded.
func (c *httpClient) Available() bool {
	return c.available.Load()
}

func (c *httpClient) setAvailable(ok bool) {
	if c.available.Swap(ok) != ok {
		if ok {
			c.logger.Info("Source is available again")
		} else {
			c.logger.Warn("Source marked unavailable")
		}
	}
}

// getJSON fetches req and decodes the body into out. It runs the
// connectivity probe first when the source is unavailable, unless the
// request opts out.
func (c *httpClient) getJSON(ctx context.Context, req request, out interface{}) error {
	if !c.Available() && !req.skipProbe {
		if err := c.probe(ctx); err != nil {
			return err
		}
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying request",
				zap.String("url", req.url),
				zap.Duration("delay", c.retryDelay),
				zap.Error(err))
			if werr := wait(ctx, c.retryDelay); werr != nil {
				return markWrapf(ErrTransient, werr, "%s: retry cancelled", c.source)
			}
		}

		var retryable bool
		retryable, err = c.do(ctx, req, out)
		if err == nil {
			c.setAvailable(true)
			return nil
		}
		if !retryable {
			break
		}
	}

	if Category(err) == CategoryTransient && ctx.Err() == nil && !isCanceled(err) {
		c.setAvailable(false)
	}
	return err
}

// do performs one call. The boolean reports whether the failure may be
// retried once.
func (c *httpClient) do(ctx context.Context, req request, out interface{}) (bool, error) {
	body, status, err := c.send(ctx, req)
	if err != nil {
		return false, err
	}

	if err := statusError(c.source, status, body); err != nil {
		return status == http.StatusNotFound && req.retryNotFound, err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return true, markWrapf(ErrTransient, err, "%s: failed to decode response", c.source)
	}

	return false, nil
}

func (c *httpClient) send(ctx context.Context, req request) ([]byte, int, error) {
	limiter := req.limiter
	if limiter == nil {
		limiter = c.limiter
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, 0, markWrapf(ErrTransient, err, "%s: rate limit wait cancelled", c.source)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: failed to create request: %w", c.source, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "threatsync/1.0")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, 0, markWrapf(ErrTransient, err, "%s: request failed", c.source)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, markWrapf(ErrTransient, err, "%s: failed to read response", c.source)
	}

	return body, resp.StatusCode, nil
}

// probe tries each known-good request shape until one answers 2xx.
func (c *httpClient) probe(ctx context.Context) error {
	for i, p := range c.probes {
		_, status, err := c.send(ctx, p)
		if err != nil {
			if isCanceled(err) {
				return err
			}
			c.logger.Debug("Probe failed", zap.Int("probe", i), zap.Error(err))
			continue
		}
		if status >= 200 && status <= 299 {
			c.logger.Info("Probe succeeded", zap.Int("probe", i))
			c.setAvailable(true)
			return nil
		}
		c.logger.Debug("Probe rejected", zap.Int("probe", i), zap.Int("status", status))
	}
	return markf(ErrTransient, "%s: source unavailable, no probe succeeded", c.source)
}

func statusError(source models.Source, status int, body []byte) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return markf(ErrAuth, "%s: authentication rejected (status %d)", source, status)
	case status == http.StatusTooManyRequests:
		return markf(ErrRateLimit, "%s: rate limited (status %d)", source, status)
	case status == http.StatusNotFound:
		return markf(ErrNotFound, "%s: endpoint not found (status %d)", source, status)
	case status >= 500:
		return markf(ErrTransient, "%s: server error (status %d): %s", source, status, snippet(body))
	default:
		return markf(ErrTransient, "%s: unexpected status %d: %s", source, status, snippet(body))
	}
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
