package main

import (
	"context"
	"fmt"
	"time"

	"threatsync/internal/classifier"
	"threatsync/internal/config"
	"threatsync/internal/dedup"
	"threatsync/internal/feeds"
	"threatsync/internal/llm"
	"threatsync/internal/models"
	"threatsync/internal/normalize"
	"threatsync/internal/orchestrator"
	"threatsync/internal/repository"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds everything a command needs. close releases it.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
	oracle llm.Provider
	orch   *orchestrator.Orchestrator
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func openDatabase(cfg *config.Config, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := repository.NewDB(cfg.Database.Type, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	threats := repository.NewThreatRepository(db, logger)
	status := repository.NewStatusRepository(db, logger)

	deduper := dedup.New(threats, dedup.Config{
		RefreshAfter:  time.Duration(cfg.Dedup.RefreshAfterDays) * 24 * time.Hour,
		BloomEnabled:  cfg.Dedup.BloomEnabled,
		BloomCapacity: cfg.Dedup.BloomCapacity,
	}, logger)
	if err := deduper.Seed(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Leave the interface nil when no oracle is configured so the
	// classifier goes straight to the fallback.
	var oracle llm.Provider
	if len(cfg.Classifier.Providers) > 0 {
		multi, err := llm.NewMultiProviderClient(ctx, llm.MultiProviderConfig{
			Providers:   cfg.Classifier.Providers,
			MaxFailures: cfg.Classifier.MaxFailuresBeforeSwitch,
		}, logger)
		if err != nil {
			logger.Warn("No oracle provider could be initialized, using fallback classification",
				zap.Error(err))
		} else {
			oracle = multi
			info := multi.Info()
			logger.Info("Oracle initialized",
				zap.String("provider", info.Provider),
				zap.String("model", info.Model),
				zap.Int("provider_count", len(cfg.Classifier.Providers)))
		}
	} else {
		logger.Warn("No oracle providers configured, every threat gets the fallback classification")
	}

	cls := classifier.New(oracle, classifier.Config{
		BreakerMaxFailures: cfg.Classifier.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.Classifier.Breaker.OpenTimeout,
	}, logger)

	sources, maxItems := buildSources(cfg, logger)

	orch := orchestrator.NewOrchestrator(
		sources,
		normalize.New(),
		deduper,
		cls,
		threats,
		status,
		orchestrator.Config{
			Interval:        cfg.Scheduler.Interval,
			ClassifyDelay:   *cfg.Scheduler.ClassifyDelay,
			MinConfidence:   *cfg.Gate.MinConfidence,
			RunOnStart:      cfg.Scheduler.ShouldRunOnStart(),
			CycleTimeout:    cfg.Scheduler.CycleTimeout,
			MaxItems:        maxItems,
			SerializeCycles: cfg.Scheduler.SerializeCycles,
		},
		logger,
	)

	return &app{cfg: cfg, logger: logger, db: db, oracle: oracle, orch: orch}, nil
}

// buildSources registers the configured feeds in the fixed order
// OTX, NVD, CISA KEV.
func buildSources(cfg *config.Config, logger *zap.Logger) ([]feeds.Source, map[models.Source]int) {
	var sources []feeds.Source
	maxItems := map[models.Source]int{}

	add := func(name models.Source, fc config.FeedConfig, build func(feeds.Config, *zap.Logger) feeds.Source) {
		if !fc.IsEnabled() {
			logger.Info("Source disabled in config", zap.String("source", string(name)))
			return
		}
		sources = append(sources, build(feedConfig(fc), logger))
		maxItems[name] = fc.MaxItems
	}

	add(models.SourceOTX, cfg.Sources.OTX, func(c feeds.Config, l *zap.Logger) feeds.Source {
		return feeds.NewOTXSource(c, l)
	})
	add(models.SourceNVD, cfg.Sources.NVD, func(c feeds.Config, l *zap.Logger) feeds.Source {
		return feeds.NewNVDSource(c, l)
	})
	add(models.SourceCISAKEV, cfg.Sources.CISAKEV, func(c feeds.Config, l *zap.Logger) feeds.Source {
		return feeds.NewKEVSource(c, l)
	})

	return sources, maxItems
}

func feedConfig(fc config.FeedConfig) feeds.Config {
	return feeds.Config{
		BaseURL:     fc.BaseURL,
		APIKey:      fc.APIKey,
		PageSize:    fc.PageSize,
		Lookback:    fc.Lookback,
		MinInterval: fc.MinInterval,
		RetryDelay:  fc.RetryDelay,
		Timeout:     fc.Timeout,
	}
}

func (a *app) close() {
	if a.oracle != nil {
		if err := a.oracle.Close(); err != nil {
			a.logger.Warn("Failed to close oracle", zap.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}
