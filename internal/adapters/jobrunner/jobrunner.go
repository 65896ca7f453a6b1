// Package jobrunner leases jobs of one type from the queue and runs them through a handler.
package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	obserrors "github.com/inter-actief/courier/internal/observability/errors"
	"github.com/inter-actief/courier/internal/observability/metrics"
	"github.com/inter-actief/courier/internal/observability/statsd"
	"github.com/inter-actief/courier/internal/service"
	"github.com/inter-actief/courier/internal/service/failurenotifier"
)

// HandlerFunc processes a job and returns error to indicate failure (which will be retried per policy).
type HandlerFunc func(ctx context.Context, job *model.Job) error

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	JobType     model.JobType // which job type to process; required
	Timeout     time.Duration // per-job execution bound; zero means lease-bound only
	Handler     HandlerFunc   // required

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	Jobs            *service.JobService
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner pulls jobs of one type and executes them with its handler.
type Runner struct {
	jobs      *service.JobService
	handler   HandlerFunc
	logger    *slog.Logger
	lease     time.Duration
	heartbeat time.Duration
	timeout   time.Duration
	jobType   model.JobType
	workers   int
	metrics   statsd.Sink
}

func resolveJobService(opts RunnerOptions, lease time.Duration) (*service.JobService, error) {
	if opts.Jobs != nil {
		return opts.Jobs, nil
	}
	repo := opts.JobsRepo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	return service.NewJobService(service.JobServiceOptions{
		Repo:            repo,
		DefaultLease:    lease,
		Logger:          opts.Logger,
		FailureNotifier: opts.FailureNotifier,
	})
}

// NewRunner wires the job service and constructs a runner for a single job type.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil && opts.Jobs == nil {
		return nil, errors.New("either DB, JobsRepo or Jobs must be provided")
	}
	if !opts.JobType.Valid() {
		return nil, fmt.Errorf("invalid job type %q", opts.JobType)
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler for %s jobs is required", opts.JobType)
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	jobs, err := resolveJobService(opts, lease)
	if err != nil {
		return nil, fmt.Errorf("create job service: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:      jobs,
		handler:   opts.Handler,
		logger:    logger.With("component", string(opts.JobType.Lane())+"_runner"),
		lease:     lease,
		heartbeat: lease / 2,
		timeout:   opts.Timeout,
		jobType:   opts.JobType,
		workers:   workers,
		metrics:   opts.Metrics,
	}, nil
}

// Run leases and processes jobs on every worker until ctx ends. A reserve
// error other than an empty queue stops all workers and is returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"type", r.jobType,
		"workers", r.workers,
		"lease", r.lease,
		"timeout", r.timeout,
	)

	unsub, wake := r.jobs.Subscribe(r.jobType)
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error { return r.work(gctx, wake) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// work drains the lane, then sleeps until the wakeup hub announces a job.
func (r *Runner) work(ctx context.Context, wake <-chan struct{}) error {
	for {
		job, err := r.jobs.ReserveNext(ctx, r.jobType, r.lease)
		switch {
		case err == nil:
			r.processJob(ctx, job)
			continue
		case ctx.Err() != nil:
			return nil
		case !errors.Is(err, model.ErrNoJobsAvailable):
			return fmt.Errorf("reserve next: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    job.Type,
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
			Final:      transition == "failed" && job.IsFinalAttempt(),
		})
	}
	emit("started", metrics.ResultSuccess, nil)

	if err := r.run(ctx, job); err != nil {
		if _, ferr := r.jobs.FailWithDetails(ctx, job.ID, err.Error(), service.JobFailureDetails{
			ErrorClass: obserrors.Classify(err),
		}); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
		}
		r.logger.WarnContext(ctx, "job failed",
			"job_id", job.ID,
			"attempt", job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"error", err,
		)
		emit("failed", metrics.ResultError, err)
		return
	}
	if completed, err := r.jobs.Complete(ctx, job.ID); err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		emit("completed", metrics.ResultError, err)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

// run executes the handler under the job timeout while a heartbeat keeps the lease alive.
func (r *Runner) run(ctx context.Context, job *model.Job) (err error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	stop := r.startHeartbeat(runCtx, job.ID)
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s handler panic: %v", job.Type, rec)
		}
	}()

	if err := r.handler(runCtx, job); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s job exceeded %s: %w", job.Type, r.timeout, err)
		}
		return err
	}
	return nil
}

func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	if r.heartbeat <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := r.jobs.Heartbeat(hbCtx, jobID, r.lease)
				if err != nil && hbCtx.Err() == nil {
					r.logger.WarnContext(hbCtx, "job heartbeat failed", "job_id", jobID, "error", err)
				} else if err == nil && !ok {
					r.logger.WarnContext(hbCtx, "job lease lost", "job_id", jobID)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
