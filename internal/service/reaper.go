package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	obserrors "github.com/inter-actief/courier/internal/observability/errors"
	"github.com/inter-actief/courier/internal/observability/metrics"
	"github.com/inter-actief/courier/internal/observability/statsd"
)

// ExpiredExportCleaner removes data exports past their expiry.
type ExpiredExportCleaner interface {
	CleanExpired(ctx context.Context) (int, error)
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required
	Config  config.ReaperConfig
	Exports ExpiredExportCleaner // Optional: expired data export sweep
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// ReaperService keeps the queue and the pipeline tables bounded. Each cycle
// fails pending units nobody reserved (recording their outcome so the
// barrier still closes), then deletes finished jobs, aggregate results,
// completed workflows and expired exports.
type ReaperService struct {
	repo    core.ReaperRepository
	exports ExpiredExportCleaner
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper")
	}
	return &ReaperService{
		repo:    opts.Repo,
		exports: opts.Exports,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run sweeps once after a random delay of up to a tenth of the interval,
// so replicas started together spread out, then once per interval. A
// failing cycle is logged and the loop carries on. Cancellation returns nil.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "reaper started", "interval", s.config.Interval)
	}
	if jitter := int64(s.config.Interval / 10); jitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int64N(jitter)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		if ctx.Err() == nil {
			s.logCycleError(ctx, s.runCleanup(ctx))
		}
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep is one cleanup operation. batch is repeated until it affects no
// rows unless once is set.
type sweep struct {
	op      string
	jobType model.JobType
	maxAge  time.Duration
	once    bool
	batch   func(context.Context) (int64, error)
}

func (s *ReaperService) sweeps() []sweep {
	c := s.config
	deleteJobs := func(status model.JobStatus, maxAge time.Duration) func(context.Context) (int64, error) {
		return func(ctx context.Context) (int64, error) {
			return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{Status: status, MaxAge: maxAge, BatchSize: c.BatchSize})
		}
	}
	deleteResults := func(jt model.JobType) func(context.Context) (int64, error) {
		return func(ctx context.Context) (int64, error) {
			return s.repo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{JobType: jt, MaxAge: c.JobResultsMaxAge, BatchSize: c.BatchSize})
		}
	}

	out := []sweep{
		{op: "fail_pending", maxAge: c.PendingMaxAge, batch: func(ctx context.Context) (int64, error) {
			return s.repo.FailStalePendingJobs(ctx, c.PendingMaxAge, c.BatchSize)
		}},
		{op: "delete_completed", maxAge: c.CompletedMaxAge, batch: deleteJobs(model.JobStatusCompleted, c.CompletedMaxAge)},
		{op: "delete_failed", maxAge: c.FailedMaxAge, batch: deleteJobs(model.JobStatusFailed, c.FailedMaxAge)},
		// Only the aggregate jobs persist a summary worth keeping past the job.
		{op: "delete_job_results", jobType: model.JobTypeMailReport, maxAge: c.JobResultsMaxAge, batch: deleteResults(model.JobTypeMailReport)},
		{op: "delete_job_results", jobType: model.JobTypeExportZip, maxAge: c.JobResultsMaxAge, batch: deleteResults(model.JobTypeExportZip)},
		{op: "delete_workflows", maxAge: c.WorkflowMaxAge, batch: func(ctx context.Context) (int64, error) {
			return s.repo.DeleteOldWorkflows(ctx, core.DeleteOldWorkflowsParams{MaxAge: c.WorkflowMaxAge, BatchSize: c.BatchSize})
		}},
	}
	if s.exports != nil {
		out = append(out, sweep{op: "clean_data_exports", once: true, batch: func(ctx context.Context) (int64, error) {
			n, err := s.exports.CleanExpired(ctx)
			return int64(n), err
		}})
	}
	return out
}

func drain(ctx context.Context, sw sweep) (int64, error) {
	var total int64
	for {
		n, err := sw.batch(ctx)
		total += n
		if err != nil || n == 0 || sw.once {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// runCleanup runs every sweep even when an earlier one fails. It returns
// context.Canceled when cancellation was the only failure.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs       []error
		onlyCancel = true
		swept      int64
		firstErr   error
	)
	for _, sw := range s.sweeps() {
		n, err := drain(ctx, sw)
		swept += n
		s.emitSweep(sw, n, err)
		if n > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "reaper swept rows", "operation", sw.op, "job_type", sw.jobType, "count", n, "max_age", sw.maxAge)
		}
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", sw.op, err))
		if !isContextCancellation(err) {
			onlyCancel = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.emitCycle(swept, firstErr, time.Since(start))

	switch {
	case len(errs) == 0:
		return nil
	case onlyCancel:
		return context.Canceled
	default:
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
}

func (s *ReaperService) emitSweep(sw sweep, n int64, err error) {
	if s.metrics == nil {
		return
	}
	if isContextCancellation(err) {
		err = nil
	}
	tags := resultTags(n, err)
	tags["operation"] = sw.op
	if sw.jobType != "" {
		tags["job_type"] = string(sw.jobType)
	}
	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && n > 0 {
		s.metrics.Count("reaper.rows_swept", n, maps.Clone(tags))
	}
}

func (s *ReaperService) emitCycle(swept int64, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	tags := resultTags(swept, err)
	s.metrics.Count("reaper.cleanup", 1, tags)
	s.metrics.Timing("reaper.cleanup_duration", elapsed, maps.Clone(tags))
	if err == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func resultTags(n int64, err error) map[string]string {
	switch {
	case err != nil:
		tags := map[string]string{"result": metrics.ResultError}
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
		return tags
	case n == 0:
		return map[string]string{"result": metrics.ResultNoop}
	default:
		return map[string]string{"result": metrics.ResultSuccess}
	}
}

func (s *ReaperService) logCycleError(ctx context.Context, err error) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "reaper cycle cancelled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "reaper cycle failed", "error", err)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
