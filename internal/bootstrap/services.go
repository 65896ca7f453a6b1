package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	domainjob "github.com/inter-actief/courier/internal/domain/job"
	"github.com/inter-actief/courier/internal/exporter"
	httpx "github.com/inter-actief/courier/internal/http"
	"github.com/inter-actief/courier/internal/observability/notify"
	"github.com/inter-actief/courier/internal/observability/notify/pagerduty"
	"github.com/inter-actief/courier/internal/observability/notify/slack"
	"github.com/inter-actief/courier/internal/observability/statsd"
	"github.com/inter-actief/courier/internal/service"
	"github.com/inter-actief/courier/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Workflows     *service.WorkflowService
	Mail          *service.MailService
	Exports       *service.ExportService
	Registry      *exporter.Registry
	JobResults    core.JobResultRepository
	Observability ObservabilityContainer
	Readiness     []httpx.ReadinessCheck
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB             *sql.DB
	JobRepo        *data.JobRepo
	WorkflowRepo   *data.WorkflowRepo
	DataExportRepo *data.DataExportRepo
	JobResultRepo  *data.JobResultRepo
	// Cache is nil when Redis is unavailable or CACHE_ENABLED is false.
	Cache core.CacheRepository
}

// buildObservability configures metrics and alert sinks. cache backs alert
// dedupe and may be nil.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig, cache core.CacheRepository) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "courier",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications, cache)

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, cfg *config.AppConfig, logger *slog.Logger) *serviceRepositories {
	jobRepo := data.NewJobRepo(db, data.RepoConfig{Logger: logger})
	repos := &serviceRepositories{
		DB:             db,
		JobRepo:        jobRepo,
		WorkflowRepo:   data.NewWorkflowRepo(db, data.WorkflowRepoOptions{Jobs: jobRepo, Logger: logger}),
		DataExportRepo: data.NewDataExportRepo(db, data.DataExportRepoOptions{Jobs: jobRepo}),
		JobResultRepo:  data.NewJobResultRepo(db),
	}
	if redisClient != nil && cfg.Cache.Enabled {
		repos.Cache = data.NewRedisCacheRepo(redisClient)
	}
	return repos
}

func newJobService(repos *serviceRepositories, observability ObservabilityContainer, cfg *config.AppConfig, logger *slog.Logger) *service.JobService {
	return service.MustNewJobService(service.JobServiceOptions{
		Repo:            repos.JobRepo,
		DefaultLease:    30 * time.Second,
		TypeLeases:      domainjob.LanesLeases(cfg.MailRunner.JobLease, cfg.ExportRunner.JobLease),
		Logger:          logger,
		FailureNotifier: observability.FailureNotifier,
	})
}

// DomainServicesOptions groups what buildDomainServices wires together.
type DomainServicesOptions struct {
	Repos         *serviceRepositories
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

// buildDomainServices wires business services using repositories and observability adapters.
func buildDomainServices(ctx context.Context, opts *DomainServicesOptions) (ServiceContainer, error) {
	if opts == nil {
		return ServiceContainer{}, errors.New("domain service options are required")
	}
	svcLogger := opts.Logger
	if svcLogger == nil {
		svcLogger = slog.Default()
	}
	appCfg := opts.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}
	metrics := opts.Observability.MetricsSink

	workflows, err := service.NewWorkflowService(service.WorkflowServiceOptions{
		Repo:    opts.Repos.WorkflowRepo,
		Results: opts.Repos.JobResultRepo,
		Logger:  svcLogger,
		Metrics: metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("workflow service: %w", err)
	}

	mail, err := buildMailService(mailServiceDeps{
		Config:    appCfg,
		Workflows: workflows,
		Cache:     opts.Repos.Cache,
		Metrics:   metrics,
		Logger:    svcLogger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	backends, err := buildExportBackends(appCfg.Export, svcLogger)
	if err != nil {
		return ServiceContainer{}, err
	}
	store, err := buildArtifactStore(ctx, appCfg.Artifact)
	if err != nil {
		return ServiceContainer{}, err
	}

	exportOpts := service.ExportServiceOptions{
		Exports:   opts.Repos.DataExportRepo,
		Workflows: workflows,
		Registry:  backends.registry,
		Store:     store,
		Mail:      mail,
		StatusCache: core.NewExportStatusCache(core.ExportStatusCacheOptions{
			Cache: opts.Repos.Cache,
			TTL:   appCfg.Export.StatusCacheTTL,
		}),
		PublicURL: appCfg.HTTP.BaseURL,
		Logger:    svcLogger,
		Metrics:   metrics,
	}
	if backends.directory != nil {
		exportOpts.Directory = backends.directory
	}
	exports, err := service.NewExportService(exportOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("export service: %w", err)
	}

	return ServiceContainer{
		Jobs:          newJobService(opts.Repos, opts.Observability, appCfg, svcLogger),
		Workflows:     workflows,
		Mail:          mail,
		Exports:       exports,
		Registry:      backends.registry,
		JobResults:    opts.Repos.JobResultRepo,
		Observability: opts.Observability,
		Readiness:     readinessChecks(opts.Repos),
	}, nil
}

// readinessChecks pings Postgres and, when configured, Redis.
func readinessChecks(repos *serviceRepositories) []httpx.ReadinessCheck {
	var checks []httpx.ReadinessCheck
	if repos.DB != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "postgres", Check: repos.DB.PingContext})
	}
	if repos.Cache != nil {
		checks = append(checks, httpx.ReadinessCheck{Name: "redis", Check: repos.Cache.Health})
	}
	return checks
}

// NewServices builds every service from configuration and open connections.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	repos := buildRepositories(deps.DB, deps.RedisClient, appCfg, logger)
	observability := buildObservability(logger, appCfg.Observability, repos.Cache)
	return buildDomainServices(ctx, &DomainServicesOptions{
		Repos:         repos,
		Observability: observability,
		Config:        appCfg,
		Logger:        logger,
	})
}

// alertSinks builds the enabled alert sinks. A sink that fails to build is
// logged and left out so a bad webhook never keeps the process down.
func alertSinks(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) []failurenotifier.SinkRegistration {
	type factory struct {
		name    string
		enabled bool
		build   func() (notify.Sink, error)
	}
	factories := []factory{
		{name: "slack", enabled: cfg.Slack.Enabled, build: func() (notify.Sink, error) {
			c, err := slack.NewClient(slack.Config{
				WebhookURL:        cfg.Slack.WebhookURL,
				Channel:           cfg.Slack.Channel,
				Username:          cfg.Slack.Username,
				Timeout:           cfg.Timeout,
				RetryLimit:        cfg.RetryLimit,
				WorkflowURLPrefix: cfg.Slack.WorkflowURLPrefix,
			})
			return c, err
		}},
		{name: "pagerduty", enabled: cfg.PagerDuty.Enabled, build: func() (notify.Sink, error) {
			c, err := pagerduty.NewClient(pagerduty.Config{
				RoutingKey: cfg.PagerDuty.RoutingKey,
				Source:     cfg.PagerDuty.Source,
				Component:  cfg.PagerDuty.Component,
				Timeout:    cfg.Timeout,
				RetryLimit: cfg.RetryLimit,
			})
			return c, err
		}},
	}

	var sinks []failurenotifier.SinkRegistration
	for _, f := range factories {
		if !f.enabled {
			continue
		}
		sink, err := f.build()
		if err != nil {
			logger.Error("alert sink disabled", "sink", f.name, "error", err)
			continue
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: f.name, Sink: sink})
	}
	return sinks
}

// buildFailureNotifier returns a notifier that only logs when alerting is
// off. cache backs the per-unit dedupe window and may be nil.
func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig, cache core.CacheRepository) *failurenotifier.Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts := failurenotifier.Options{Logger: logger.With("component", "failure_notifier")}
	if cfg.Enabled {
		opts.Sinks = alertSinks(logger, cfg)
		opts.Guard = core.NewOnceGuard(cache, "courier:alert:", cfg.DedupeWindow)
	}
	return failurenotifier.NewService(opts)
}
