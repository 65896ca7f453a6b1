// Package reaper runs the queue and pipeline cleanup loop as a service.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/observability/statsd"
	"github.com/inter-actief/courier/internal/service"
)

var _ core.ReaperRepository = (*data.JobRepo)(nil)

// Runner owns one ReaperService.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions configures a Runner. Repo wins over DB when both are set.
type RunnerOptions struct {
	DB      *sql.DB
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Exports service.ExpiredExportCleaner
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewRunner builds the reaper on Repo, or on a job repository over DB.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repo := opts.Repo
	if repo == nil {
		if opts.DB == nil {
			return nil, errors.New("reaper needs a database or a repository")
		}
		// The logger lets FailStalePendingJobs report the units it abandons.
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: logger})
	}

	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    repo,
		Exports: opts.Exports,
		Config:  opts.Config,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper service: %w", err)
	}
	return &Runner{reaper: svc, logger: logger}, nil
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
