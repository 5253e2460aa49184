package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/reporting"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
	"github.com/miradorstack/mirador-logwatch/internal/services"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/store"
)

// loadConfig resolves the config path and log level from flags or
// MIRADOR_LOGWATCH_* variables.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	configPath := v.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

type app struct {
	registry *session.Registry
	service  *services.LogWatchService
	store    store.Namespace
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	ruleStore, err := rules.LoadDir(cfg.Rules.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	ruleEngine := engine.NewRuleEngine(ruleStore, logger)

	playbook, err := reporting.LoadPlaybook(cfg.Playbook.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}

	var completer reporting.Completer
	if cfg.Reasoning.APIKey != "" {
		completer = repo.NewReasoningClient(cfg.Reasoning.BaseURL, cfg.Reasoning.APIKey, cfg.Reasoning.Model, cfg.Reasoning.Timeout)
	} else {
		logger.Warn("reasoning backend not configured; reports will be degraded")
	}
	generator := reporting.NewGenerator(completer, reporting.GeneratorConfig{
		MaxSamples: cfg.Reasoning.MaxSamples,
		Stats: patterns.StatsConfig{
			ErrorRateThreshold:  cfg.Detection.ErrorRateThreshold,
			LatencyThresholdMs:  cfg.Detection.LatencyThresholdMs,
			MinLatencySamples:   cfg.Detection.MinLatencySamples,
			VolumeSpikeFactor:   cfg.Detection.VolumeSpikeFactor,
			RepeatWindow:        cfg.Detection.RepeatWindow,
			MinRepeats:          cfg.Detection.MinRepeats,
			MinExhaustionEvents: cfg.Detection.MinExhaustionEvents,
		},
	}, playbook, logger)

	namespace, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := session.Deps{
		Engine:    ruleEngine,
		Generator: generator,
		Store:     namespace,
		Logger:    logger,
	}
	if cfg.Email.Enabled {
		mailer := repo.NewSendGridClient(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.Timeout)
		if notifier := reporting.NewNotifier(mailer, reporting.NotifierConfig{
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			Cooldown: cfg.Email.Cooldown,
		}, logger); notifier != nil {
			deps.Notifier = notifier
		} else {
			logger.Warn("email enabled but sender or recipients missing; notifications disabled")
		}
	}
	if cfg.Archive.Enabled {
		archiver, err := repo.NewS3Archiver(ctx, repo.ArchiveConfig{
			Bucket:  cfg.Archive.Bucket,
			Prefix:  cfg.Archive.Prefix,
			Region:  cfg.Archive.Region,
			Timeout: cfg.Archive.Timeout,
			Retries: cfg.Archive.Retries,
		}, logger)
		if err != nil {
			namespace.Close()
			return nil, fmt.Errorf("configure archive: %w", err)
		}
		deps.Archiver = archiver
	}

	registry := session.NewRegistry(session.Config{
		Window:                cfg.Grouping.Window,
		MaxMembers:            cfg.Grouping.MaxMembers,
		SimilarityBuckets:     cfg.Grouping.SimilarityBuckets,
		GenerationConcurrency: int64(cfg.Pipeline.GenerationConcurrency),
		GenerationTimeout:     cfg.Pipeline.GenerationTimeout,
		StreamBuffer:          cfg.Pipeline.StreamBuffer,
		SessionHistory:        cfg.Pipeline.SessionHistory,
	}, deps)

	var cloudLogging *repo.CloudLoggingClient
	if cfg.CloudLogging.ProjectID != "" {
		cloudLogging = repo.NewCloudLoggingClient(cfg.CloudLogging.BaseURL, cfg.CloudLogging.ProjectID, cfg.CloudLogging.Token, cfg.CloudLogging.Timeout)
	}
	live := services.CloudLoggingSource(cloudLogging, ingest.PollingConfig{
		Filter:       cfg.CloudLogging.Filter,
		PollInterval: cfg.CloudLogging.PollInterval,
		PageSize:     cfg.CloudLogging.PageSize,
		MaxFailures:  cfg.CloudLogging.MaxFailures,
	}, logger)

	svc := services.NewLogWatchService(logger, registry, ruleEngine, live, ingest.ReplayOptions{BatchSize: cfg.Pipeline.BatchSize})
	return &app{registry: registry, service: svc, store: namespace}, nil
}

func buildStore(cfg *config.Config, logger *slog.Logger) (store.Namespace, error) {
	if cfg.Storage.Backend != "redis" {
		return store.NewMemoryNamespace(), nil
	}
	ns, err := store.NewRedisNamespace(store.RedisConfig{
		Addr:      cfg.Storage.Redis.Addr,
		Password:  cfg.Storage.Redis.Password,
		DB:        cfg.Storage.Redis.DB,
		KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		Timeout:   cfg.Storage.Redis.Timeout,
		TTL:       cfg.Storage.ReportTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis namespace store: %w", err)
	}
	return ns, nil
}

func (a *app) close(ctx context.Context, logger *slog.Logger) {
	if err := a.registry.Shutdown(ctx); err != nil {
		logger.Warn("sessions did not finish before shutdown deadline", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("close namespace store", slog.Any("error", err))
	}
}
