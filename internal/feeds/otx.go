package feeds

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threatsync/internal/models"

	"go.uber.org/zap"
)

const (
	defaultOTXBaseURL  = "https://otx.alienvault.com"
	defaultOTXInterval = time.Second
	otxKeyHeader       = "X-OTX-API-KEY"
)

// OTXSource reads subscribed pulses from AlienVault OTX.
type OTXSource struct {
	http     *httpClient
	baseURL  string
	apiKey   string
	pageSize int
	logger   *zap.Logger
}

// NewOTXSource creates the OTX adapter.
func NewOTXSource(cfg Config, logger *zap.Logger) *OTXSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOTXBaseURL
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultOTXInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}

	s := &OTXSource{
		http:     newHTTPClient(models.SourceOTX, cfg.MinInterval, cfg.RetryDelay, cfg.Timeout, logger),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		logger:   logger.With(zap.String("source", string(models.SourceOTX))),
	}
	s.http.probes = []request{
		{url: s.baseURL + "/api/v1/pulses/subscribed?limit=1", headers: s.authHeaders()},
		{url: s.baseURL + "/api/v1/user/me", headers: s.authHeaders()},
	}
	return s
}

func (s *OTXSource) Name() models.Source { return models.SourceOTX }

func (s *OTXSource) Available() bool { return s.http.Available() }

func (s *OTXSource) authHeaders() map[string]string {
	return map[string]string{otxKeyHeader: s.apiKey}
}

// Fetch returns the newest page of subscribed pulses.
func (s *OTXSource) Fetch(ctx context.Context) (Payload, error) {
	if s.apiKey == "" {
		return nil, markf(ErrAuth, "%s: api key is not configured", models.SourceOTX)
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(s.pageSize))
	params.Set("page", "1")

	var payload OTXPayload
	err := s.http.getJSON(ctx, request{
		url:     fmt.Sprintf("%s/api/v1/pulses/subscribed?%s", s.baseURL, params.Encode()),
		headers: s.authHeaders(),
	}, &payload)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Fetched pulses", zap.Int("count", len(payload.Results)))
	return &payload, nil
}
