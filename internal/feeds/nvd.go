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
	defaultNVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	// NVD allows 5 requests per 30 seconds without a key and 50 with one.
	nvdPublicInterval = 6 * time.Second
	nvdKeyedInterval  = 600 * time.Millisecond
	nvdKeyHeader      = "apiKey"
	nvdTimeLayout     = "2006-01-02T15:04:05.000Z"
)

// NVDSource reads recently published CVEs from the NVD CVE API 2.0.
type NVDSource struct {
	http     *httpClient
	baseURL  string
	apiKey   string
	pageSize int
	lookback time.Duration
	keyed    *request // Nil without an API key
	logger   *zap.Logger
	now      func() time.Time
}

// NewNVDSource creates the NVD adapter. Unauthenticated calls are spaced
// by MinInterval (default 6s); keyed calls by 600ms.
func NewNVDSource(cfg Config, logger *zap.Logger) *NVDSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultNVDBaseURL
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = nvdPublicInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}

	s := &NVDSource{
		http:     newHTTPClient(models.SourceNVD, cfg.MinInterval, cfg.RetryDelay, cfg.Timeout, logger),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		lookback: cfg.Lookback,
		logger:   logger.With(zap.String("source", string(models.SourceNVD))),
		now:      time.Now,
	}
	if s.apiKey != "" {
		interval := nvdKeyedInterval
		if cfg.MinInterval < interval {
			interval = cfg.MinInterval
		}
		s.keyed = &request{
			headers:       map[string]string{nvdKeyHeader: s.apiKey},
			limiter:       newLimiter(interval),
			retryNotFound: true,
			skipProbe:     true,
		}
	}
	s.http.probes = []request{
		{url: s.baseURL + "?resultsPerPage=1"},
		{url: s.baseURL + "?cveId=CVE-2021-44228"},
	}
	return s
}

func (s *NVDSource) Name() models.Source { return models.SourceNVD }

func (s *NVDSource) Available() bool { return s.http.Available() }

// Fetch returns CVEs published within the look-back window. It calls
// without credentials first and retries with the API key only when that
// fails and a key is configured.
func (s *NVDSource) Fetch(ctx context.Context) (Payload, error) {
	end := s.now().UTC()
	start := end.Add(-s.lookback)

	params := url.Values{}
	params.Set("resultsPerPage", strconv.Itoa(s.pageSize))
	params.Set("startIndex", "0")
	params.Set("pubStartDate", start.Format(nvdTimeLayout))
	params.Set("pubEndDate", end.Format(nvdTimeLayout))
	endpoint := fmt.Sprintf("%s?%s", s.baseURL, params.Encode())

	var payload NVDPayload
	err := s.http.getJSON(ctx, request{url: endpoint, retryNotFound: true}, &payload)
	if err != nil && s.keyed != nil && ctx.Err() == nil {
		s.logger.Warn("Unauthenticated request failed, retrying with API key",
			zap.String("category", Category(err)),
			zap.Error(err))

		keyed := *s.keyed
		keyed.url = endpoint
		payload = NVDPayload{}
		err = s.http.getJSON(ctx, keyed, &payload)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Fetched CVEs",
		zap.Int("count", len(payload.Vulnerabilities)),
		zap.Int("total", payload.TotalResults))
	return &payload, nil
}
