package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inter-actief/courier/internal/core"
	domainjob "github.com/inter-actief/courier/internal/domain/job"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/observability/notify"
	"github.com/inter-actief/courier/internal/service/failurenotifier"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo         core.JobRepository // Required
	DefaultLease time.Duration      // Required: lease for types without their own
	// TypeLeases overrides the lease per job type, see domainjob.LanesLeases.
	TypeLeases      map[model.JobType]time.Duration
	Logger          *slog.Logger
	FailureNotifier *failurenotifier.Service // Optional: alerts on final failures
	Wakeups         domainjob.Wakeups        // Optional: defaults to a Hub on Repo
	WakeupWindow    time.Duration            // Optional: bounds one wait of the default Hub
}

// JobService wraps the job queue with lease resolution, runner wakeups, and
// alerting when a unit is given up on.
type JobService struct {
	repo            core.JobRepository
	leases          *domainjob.LeasePolicy
	wakeups         domainjob.Wakeups
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	leases, err := domainjob.NewLeasePolicy(opts.DefaultLease, opts.TypeLeases)
	if err != nil {
		return nil, fmt.Errorf("create lease policy: %w", err)
	}

	wakeups := opts.Wakeups
	if wakeups == nil {
		hub, err := domainjob.NewHub(domainjob.HubOptions{Listener: opts.Repo, Window: opts.WakeupWindow})
		if err != nil {
			return nil, fmt.Errorf("create wakeup hub: %w", err)
		}
		wakeups = hub
	}

	logger := slog.New(slog.DiscardHandler)
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		repo:            opts.Repo,
		leases:          leases,
		wakeups:         wakeups,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService panics when NewJobService fails. For startup wiring.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create enqueues a job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.DebugContext(ctx, "job created", "id", job.ID, "type", job.Type, "workflow_id", job.WorkflowID)
	return job, nil
}

// ReserveNext leases the next runnable job of jobType. A zero lease uses the
// lease configured for the type.
func (s *JobService) ReserveNext(ctx context.Context, jobType model.JobType, lease time.Duration) (*model.Job, error) {
	l := s.leases.Resolve(jobType, lease)
	if l.Clamped {
		s.logger.DebugContext(ctx, "lease raised to 1s", "requested", lease, "job_type", jobType)
	}

	job, err := s.repo.ReserveNext(ctx, jobType, l.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	s.logger.DebugContext(ctx, "job reserved", "id", job.ID, "type", jobType, "lease_seconds", l.Seconds)
	return job, nil
}

// Subscribe returns a wake channel for idle runners of jobType.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	return s.wakeups.Subscribe(jobType)
}

// WaitForNotification blocks until a job of jobType is announced.
func (s *JobService) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return s.repo.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease of a running job.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	l := s.leases.Resolve("", extend)
	updated, err := s.repo.Heartbeat(ctx, id, l.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	if updated {
		s.logger.DebugContext(ctx, "job heartbeat", "id", id, "extend_seconds", l.Seconds)
	}
	return updated, nil
}

// Complete marks a job as done.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	if completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}
	return completed, nil
}

// Fail records a failed attempt.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	return s.FailWithDetails(ctx, id, errMsg, JobFailureDetails{})
}

// JobFailureDetails annotates the alert raised when the attempt was the last.
type JobFailureDetails struct {
	ErrorClass string
	Severity   string
}

// FailWithDetails records a failed attempt. When it exhausts the job's
// retries the unit is dead and the failure notifier is told about it.
func (s *JobService) FailWithDetails(ctx context.Context, id, errMsg string, details JobFailureDetails) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier.Enabled() {
		var err error
		if job, err = s.repo.GetByID(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "load job for alert", "job_id", id, "error", err)
		}
	}

	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	if failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	if failed && job != nil && job.IsFinalAttempt() {
		s.failureNotifier.Notify(ctx, alertFor(job, errMsg, details))
	}
	return failed, nil
}

func alertFor(job *model.Job, errMsg string, details JobFailureDetails) notify.Alert {
	a := notify.Alert{
		JobID:      job.ID,
		JobType:    string(job.Type),
		Pipeline:   string(job.Type.Lane()),
		Attempts:   job.RetryCount + 1,
		Error:      errMsg,
		ErrorClass: details.ErrorClass,
		Severity:   details.Severity,
		OccurredAt: time.Now(),
	}
	if job.WorkflowID != nil {
		a.WorkflowID = *job.WorkflowID
	}
	a.UnitID, a.Target = unitOf(job)
	return a
}

// unitOf names the unit a fan-out job carries: the backend of an export run
// or the recipient of a mail send.
func unitOf(job *model.Job) (unitID, target string) {
	if len(job.Payload) == 0 {
		return "", ""
	}
	switch job.Type {
	case model.JobTypeExportRun:
		var p model.ExportRunPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			return p.UnitID, string(p.Application)
		}
	case model.JobTypeMailSend:
		var p model.MailSendPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			return p.UnitID, p.Recipient.Target()
		}
	}
	return "", ""
}

// Stats counts jobs of jobType per status.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats for type %s: %w", jobType, err)
	}
	return stats, nil
}

// GetStatus returns the status view of a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.JobStatusResponse{
		Status:      job.Status,
		CompletedAt: job.CompletedAt,
		LastError:   job.LastError,
	}, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs matching the optional filters, newest first.
func (s *JobService) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a pending, unleased job.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "job deleted", "id", id)
	return nil
}

// StopAllListeners stops the wakeup listeners. Called on shutdown.
func (s *JobService) StopAllListeners() {
	s.logger.Info("stopping job listeners")
	s.wakeups.StopAll()
}
