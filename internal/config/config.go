package config

import (
	"fmt"
	"os"
	"time"

	"threatsync/internal/llm"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Type string `yaml:"type"` // "postgres" or "sqlite"
		URL  string `yaml:"url"`  // PostgreSQL URL or SQLite path
	} `yaml:"database"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sources   SourcesConfig   `yaml:"sources"`

	Classifier struct {
		// Oracle providers in failover order. None configured means every
		// threat gets the fallback classification.
		Providers               []llm.ProviderConfig `yaml:"providers"`
		MaxFailuresBeforeSwitch int                  `yaml:"max_failures_before_switch"`
		Breaker                 BreakerConfig        `yaml:"breaker"`
	} `yaml:"classifier"`

	Dedup struct {
		RefreshAfterDays int  `yaml:"refresh_after_days"`
		BloomEnabled     bool `yaml:"bloom_enabled"`
		BloomCapacity    uint `yaml:"bloom_capacity"`
	} `yaml:"dedup"`

	Gate struct {
		// Nil picks the default; an explicit 0 lets everything through.
		MinConfidence *int `yaml:"min_confidence"`
	} `yaml:"gate"`
}

// SchedulerConfig controls the sync loop.
type SchedulerConfig struct {
	Interval      time.Duration  `yaml:"interval"`
	ClassifyDelay *time.Duration `yaml:"classify_delay"` // Nil picks the default; 0 disables the pause
	RunOnStart    *bool          `yaml:"run_on_start"`
	CycleTimeout  time.Duration  `yaml:"cycle_timeout"`
	// Refuse a cycle while another one runs. Off: manual and scheduled
	// cycles may overlap.
	SerializeCycles bool `yaml:"serialize_cycles"`
}

// BreakerConfig controls the circuit breaker in front of the oracle.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SourcesConfig groups per-feed settings.
type SourcesConfig struct {
	OTX     FeedConfig `yaml:"otx"`
	NVD     FeedConfig `yaml:"nvd"`
	CISAKEV FeedConfig `yaml:"cisa_kev"`
}

// FeedConfig configures one source adapter.
type FeedConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	MaxItems    int           `yaml:"max_items"`
	PageSize    int           `yaml:"page_size"`
	Lookback    time.Duration `yaml:"lookback"`
	MinInterval time.Duration `yaml:"min_interval"` // Zero picks the adapter default
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IsEnabled reports whether the feed should be registered. Feeds are on
// unless explicitly disabled.
func (f FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// ShouldRunOnStart reports whether the scheduler runs a cycle immediately.
func (s SchedulerConfig) ShouldRunOnStart() bool {
	return s.RunOnStart == nil || *s.RunOnStart
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.expandEnv()
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Sources.OTX.APIKey = os.ExpandEnv(c.Sources.OTX.APIKey)
	c.Sources.NVD.APIKey = os.ExpandEnv(c.Sources.NVD.APIKey)
	c.Sources.CISAKEV.APIKey = os.ExpandEnv(c.Sources.CISAKEV.APIKey)
	for i := range c.Classifier.Providers {
		c.Classifier.Providers[i].APIKey = os.ExpandEnv(c.Classifier.Providers[i].APIKey)
		c.Classifier.Providers[i].BaseURL = os.ExpandEnv(c.Classifier.Providers[i].BaseURL)
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}

	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}

	if c.Database.Type == "sqlite" && c.Database.URL == "" {
		c.Database.URL = "./data/threatsync.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 6 * time.Hour
	}

	if c.Scheduler.ClassifyDelay == nil {
		delay := 2 * time.Second
		c.Scheduler.ClassifyDelay = &delay
	}

	if c.Scheduler.CycleTimeout == 0 {
		c.Scheduler.CycleTimeout = 2 * time.Hour
	}

	for _, feed := range []*FeedConfig{&c.Sources.OTX, &c.Sources.NVD, &c.Sources.CISAKEV} {
		if feed.MaxItems == 0 {
			feed.MaxItems = 20
		}
		if feed.RetryDelay == 0 {
			feed.RetryDelay = 2 * time.Second
		}
		if feed.Timeout == 0 {
			feed.Timeout = 30 * time.Second
		}
	}

	if c.Sources.NVD.Lookback == 0 {
		c.Sources.NVD.Lookback = 7 * 24 * time.Hour
	}

	if c.Classifier.MaxFailuresBeforeSwitch == 0 {
		c.Classifier.MaxFailuresBeforeSwitch = 3
	}

	if c.Classifier.Breaker.MaxFailures == 0 {
		c.Classifier.Breaker.MaxFailures = 5
	}

	if c.Classifier.Breaker.OpenTimeout == 0 {
		c.Classifier.Breaker.OpenTimeout = time.Minute
	}

	if c.Dedup.RefreshAfterDays == 0 {
		c.Dedup.RefreshAfterDays = 30
	}

	if c.Dedup.BloomCapacity == 0 {
		c.Dedup.BloomCapacity = 100000
	}

	if c.Gate.MinConfidence == nil {
		minConfidence := 20
		c.Gate.MinConfidence = &minConfidence
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if c.Scheduler.Interval < 0 || *c.Scheduler.ClassifyDelay < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}

	if *c.Gate.MinConfidence < 0 || *c.Gate.MinConfidence > 100 {
		return fmt.Errorf("gate.min_confidence must be within 0-100, got %d", *c.Gate.MinConfidence)
	}

	for i, p := range c.Classifier.Providers {
		switch p.Type {
		case llm.ProviderOpenAI, llm.ProviderGemini:
		default:
			return fmt.Errorf("classifier.providers[%d]: unknown provider type %q", i, p.Type)
		}
	}

	return nil
}
