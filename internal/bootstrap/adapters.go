package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/adapters/jobrunner"
	"github.com/inter-actief/courier/internal/adapters/reaper"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/observability/statsd"
	"github.com/inter-actief/courier/internal/service"
	"github.com/inter-actief/courier/internal/service/failurenotifier"
)

// runJobRunner centralizes job runner setup so individual runners only pass job-specific options.
// Example usage:
//
//	return runJobRunner(ctx, jobrunner.RunnerOptions{
//		DB:          cfg.DB,
//		Logger:      cfg.Logger,
//		Lease:       cfg.Lease,
//		Concurrency: cfg.Concurrency,
//		JobType:     model.JobTypeMailSend,
//		Handler:     mail.ProcessSendJob,
//	})
func runJobRunner(ctx context.Context, opts jobrunner.RunnerOptions) error {
	label := jobRunnerLabel(opts.JobType)

	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create %s runner: %w", label, err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run %s runner: %w", label, runErr)
	}
	return nil
}

func jobRunnerLabel(jobType model.JobType) string {
	if jobType == "" {
		return "job"
	}
	return strings.ToLower(strings.ReplaceAll(string(jobType), "_", " "))
}

// runnerLane is one job type served by a pipeline runner group.
type runnerLane struct {
	jobType     model.JobType
	handler     jobrunner.HandlerFunc
	concurrency int
	timeout     time.Duration
}

// runnerGroupConfig holds what every runner of a group shares.
type runnerGroupConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	Lease           time.Duration
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// runRunnerGroup runs one runner per lane and stops them all when one fails.
// Unit runners are kept separate from aggregate runners so a long backlog of
// sends never starves the reports waiting on it.
func runRunnerGroup(ctx context.Context, shared runnerGroupConfig, lanes []runnerLane) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		g.Go(func() error {
			return runJobRunner(gctx, jobrunner.RunnerOptions{
				DB:              shared.DB,
				Logger:          shared.Logger,
				Lease:           shared.Lease,
				Concurrency:     lane.concurrency,
				JobType:         lane.jobType,
				Timeout:         lane.timeout,
				Handler:         lane.handler,
				Metrics:         shared.Metrics,
				FailureNotifier: shared.FailureNotifier,
			})
		})
	}
	return g.Wait()
}

// MailRunnerConfig contains configuration for the mail runners.
type MailRunnerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	Config          config.MailRunnerConfig
	Mail            *service.MailService
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunMailRunner processes mail_send and mail_report jobs.
func RunMailRunner(ctx context.Context, cfg MailRunnerConfig) error {
	if cfg.Mail == nil {
		return errors.New("mail runner needs a MailService")
	}
	return runRunnerGroup(ctx, runnerGroupConfig{
		DB:              cfg.DB,
		Logger:          cfg.Logger,
		Lease:           cfg.Config.JobLease,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	}, []runnerLane{
		{
			jobType:     model.JobTypeMailSend,
			handler:     cfg.Mail.ProcessSendJob,
			concurrency: cfg.Config.Concurrency,
			timeout:     cfg.Config.SendTimeout,
		},
		{
			jobType:     model.JobTypeMailReport,
			handler:     cfg.Mail.ProcessReportJob,
			concurrency: 1,
			timeout:     cfg.Config.ReportTimeout,
		},
	})
}

// ExportRunnerConfig contains configuration for the export runners.
type ExportRunnerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	Config          config.ExportRunnerConfig
	UnitTimeout     time.Duration
	Exports         *service.ExportService
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunExportRunner processes export_run, export_zip and export_notify jobs.
func RunExportRunner(ctx context.Context, cfg ExportRunnerConfig) error {
	if cfg.Exports == nil {
		return errors.New("export runner needs an ExportService")
	}
	return runRunnerGroup(ctx, runnerGroupConfig{
		DB:              cfg.DB,
		Logger:          cfg.Logger,
		Lease:           cfg.Config.JobLease,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	}, []runnerLane{
		{
			jobType:     model.JobTypeExportRun,
			handler:     cfg.Exports.ProcessRunJob,
			concurrency: cfg.Config.Concurrency,
			timeout:     cfg.UnitTimeout,
		},
		{
			jobType:     model.JobTypeExportZip,
			handler:     cfg.Exports.ProcessZipJob,
			concurrency: 1,
			timeout:     cfg.Config.AggregateTimeout,
		},
		{
			jobType:     model.JobTypeExportNotify,
			handler:     cfg.Exports.ProcessNotifyJob,
			concurrency: 1,
			timeout:     cfg.Config.AggregateTimeout,
		},
	})
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Exports service.ExpiredExportCleaner
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	opts := reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	if cfg.Exports != nil {
		opts.Exports = cfg.Exports
	}
	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
