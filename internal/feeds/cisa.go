package feeds

import (
	"context"
	"sort"
	"time"

	"threatsync/internal/models"

	"go.uber.org/zap"
)

const (
	defaultKEVURL      = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	defaultKEVMirror   = "https://raw.githubusercontent.com/cisagov/kev-data/develop/known_exploited_vulnerabilities.json"
	defaultKEVInterval = time.Second
)

// KEVSource downloads the CISA Known Exploited Vulnerabilities catalog.
type KEVSource struct {
	http   *httpClient
	url    string
	logger *zap.Logger
}

// NewKEVSource creates the CISA KEV adapter.
func NewKEVSource(cfg Config, logger *zap.Logger) *KEVSource {
	probes := []request{{url: defaultKEVURL}, {url: defaultKEVMirror}}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultKEVURL
	} else {
		probes = []request{{url: cfg.BaseURL}}
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultKEVInterval
	}

	s := &KEVSource{
		http:   newHTTPClient(models.SourceCISAKEV, cfg.MinInterval, cfg.RetryDelay, cfg.Timeout, logger),
		url:    cfg.BaseURL,
		logger: logger.With(zap.String("source", string(models.SourceCISAKEV))),
	}
	s.http.probes = probes
	return s
}

func (s *KEVSource) Name() models.Source { return models.SourceCISAKEV }

func (s *KEVSource) Available() bool { return s.http.Available() }

// Fetch downloads the whole catalog, newest additions first.
func (s *KEVSource) Fetch(ctx context.Context) (Payload, error) {
	var payload KEVPayload
	if err := s.http.getJSON(ctx, request{url: s.url}, &payload); err != nil {
		return nil, err
	}

	// dateAdded is YYYY-MM-DD, so string order is date order.
	sort.SliceStable(payload.Vulnerabilities, func(i, j int) bool {
		return payload.Vulnerabilities[i].DateAdded > payload.Vulnerabilities[j].DateAdded
	})

	s.logger.Debug("Fetched catalog",
		zap.String("version", payload.CatalogVersion),
		zap.Int("count", len(payload.Vulnerabilities)))
	return &payload, nil
}
