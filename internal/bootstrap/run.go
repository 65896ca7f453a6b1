package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inter-actief/courier/config"
)

// shutdownWaitTimeout bounds how long the modes get to stop once the
// process is told to exit.
const shutdownWaitTimeout = 15 * time.Second

// ErrShutdownTimeout is returned when a mode outlives shutdownWaitTimeout.
var ErrShutdownTimeout = errors.New("services did not stop in time")

// RunConfig is what Run needs to start the enabled modes.
type RunConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// mode is one process role, run until its context ends.
type mode struct {
	name config.ServiceMode
	run  func(ctx context.Context) error
}

// Run starts every enabled mode and blocks until SIGINT or SIGTERM arrives,
// a mode fails, or every mode has returned on its own.
func Run(ctx context.Context, cfg *RunConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("run config with an AppConfig is required")
	}
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var active []mode
	for _, m := range modes(cfg, logger) {
		if enabled[m.name] {
			active = append(active, m)
		}
	}
	return runModes(ctx, logger, active, shutdownWaitTimeout)
}

// runModes runs each mode in its own goroutine. The first failure cancels
// the others; after cancellation they get grace to return.
func runModes(ctx context.Context, logger *slog.Logger, active []mode, grace time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range active {
		g.Go(func() error {
			logger.InfoContext(gctx, "service started", "mode", m.name)
			err := m.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "service failed", "mode", m.name, "error", err)
				return fmt.Errorf("%s: %w", m.name, err)
			}
			logger.InfoContext(gctx, "service stopped", "mode", m.name)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}

	logger.Info("shutting down services")
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		logger.Warn("timeout waiting for services to stop", "timeout", grace)
		return ErrShutdownTimeout
	}
}

func modes(cfg *RunConfig, logger *slog.Logger) []mode {
	app := cfg.Config
	svc := cfg.Services
	obs := svc.Observability
	return []mode{
		{name: config.ServiceModeHTTP, run: func(ctx context.Context) error {
			return serveHTTP(ctx, cfg, logger)
		}},
		{name: config.ServiceModeMailRunner, run: func(ctx context.Context) error {
			return RunMailRunner(ctx, MailRunnerConfig{
				DB:              cfg.DB,
				Logger:          logger,
				Config:          app.MailRunner,
				Mail:            svc.Mail,
				Metrics:         obs.MetricsSink,
				FailureNotifier: obs.FailureNotifier,
			})
		}},
		{name: config.ServiceModeExportRunner, run: func(ctx context.Context) error {
			return RunExportRunner(ctx, ExportRunnerConfig{
				DB:              cfg.DB,
				Logger:          logger,
				Config:          app.ExportRunner,
				UnitTimeout:     app.Export.UnitTimeout,
				Exports:         svc.Exports,
				Metrics:         obs.MetricsSink,
				FailureNotifier: obs.FailureNotifier,
			})
		}},
		{name: config.ServiceModeReaper, run: func(ctx context.Context) error {
			rc := ReaperConfig{DB: cfg.DB, Logger: logger, Config: app.Reaper, Metrics: obs.MetricsSink}
			if svc.Exports != nil {
				rc.Exports = svc.Exports
			}
			return RunReaper(ctx, rc)
		}},
	}
}

// serveHTTP runs the API until ctx ends or the listener fails, then drains it.
func serveHTTP(ctx context.Context, cfg *RunConfig, logger *slog.Logger) error {
	listenErr := make(chan error, 1)
	server := StartHTTPServer(&HTTPServerConfig{
		Config:   cfg.Config,
		Services: cfg.Services,
		Logger:   logger,
		Errors:   listenErr,
	})

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWaitTimeout)
	defer cancel()
	return ShutdownHTTPServer(ShutdownConfig{
		Context:    stopCtx,
		Server:     server,
		JobService: cfg.Services.Jobs,
		Logger:     logger,
	})
}
