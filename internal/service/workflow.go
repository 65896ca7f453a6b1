package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/observability/statsd"
)

// WorkflowServiceOptions groups dependencies for WorkflowService.
type WorkflowServiceOptions struct {
	Repo    core.WorkflowRepository  // Required: barrier persistence
	Results core.JobResultRepository // Optional: per-attempt history
	Logger  *slog.Logger             // Optional: structured logger
	Metrics statsd.Sink              // Optional: metrics sink
}

// WorkflowService submits fan-outs and feeds unit outcomes into the barrier.
type WorkflowService struct {
	repo    core.WorkflowRepository
	results core.JobResultRepository
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewWorkflowService constructs a WorkflowService.
func NewWorkflowService(opts WorkflowServiceOptions) (*WorkflowService, error) {
	if opts.Repo == nil {
		return nil, errors.New("WorkflowRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		repo:    opts.Repo,
		results: opts.Results,
		logger:  logger.With("component", "workflow_service"),
		metrics: opts.Metrics,
	}, nil
}

// Submit writes the workflow and its unit jobs. It never waits for units.
func (s *WorkflowService) Submit(ctx context.Context, req *model.SubmitWorkflowRequest) (*model.Workflow, error) {
	wf, err := s.repo.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit %s workflow: %w", req.Kind, err)
	}
	if s.metrics != nil {
		s.metrics.Count("workflow.submitted", 1, map[string]string{"kind": string(wf.Kind)})
		s.metrics.Count("workflow.units", int64(wf.Total), map[string]string{"kind": string(wf.Kind)})
	}
	return wf, nil
}

// Report records one unit outcome. A redelivered unit that already reported
// is a no-op.
func (s *WorkflowService) Report(ctx context.Context, workflowID string, o model.Outcome) (*model.RecordOutcomeResult, error) {
	res, err := s.repo.RecordOutcome(ctx, core.RecordOutcomeParams{WorkflowID: workflowID, Outcome: o})
	if err != nil {
		return nil, fmt.Errorf("record outcome %s/%s: %w", workflowID, o.UnitID, err)
	}
	if !res.Recorded {
		s.logger.InfoContext(ctx, "duplicate unit outcome ignored",
			"workflow_id", workflowID,
			"unit_id", o.UnitID,
		)
	}
	return res, nil
}

// Reported returns the outcome a unit already recorded, or nil if it has not
// reported yet.
func (s *WorkflowService) Reported(ctx context.Context, workflowID, unitID string) (*model.Outcome, error) {
	o, err := s.repo.UnitOutcome(ctx, workflowID, unitID)
	if err != nil {
		return nil, fmt.Errorf("look up outcome %s/%s: %w", workflowID, unitID, err)
	}
	return o, nil
}

// SucceededBefore returns the outcome of an earlier successful attempt of job
// that was stored before the job could report, or nil.
func (s *WorkflowService) SucceededBefore(ctx context.Context, job *model.Job) *model.Outcome {
	if s.results == nil || job == nil {
		return nil
	}
	stored, err := s.results.GetByJobID(ctx, job.ID)
	if err != nil || stored == nil {
		return nil
	}
	var attempt model.UnitAttemptResult
	if err := json.Unmarshal(stored.Result, &attempt); err != nil {
		s.logger.WarnContext(ctx, "decode stored attempt", "job_id", job.ID, "error", err)
		return nil
	}
	if !attempt.Success {
		return nil
	}
	o := &model.Outcome{UnitID: attempt.UnitID, Target: attempt.Target, Success: true}
	if attempt.Artifact != "" {
		artifact := attempt.Artifact
		o.Artifact = &artifact
	}
	return o
}

// Collect loads a workflow and its outcomes matched to the unit list. Units
// that never reported appear as failures.
func (s *WorkflowService) Collect(ctx context.Context, workflowID string) (*model.Workflow, model.OutcomeList, error) {
	wf, err := s.repo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load workflow: %w", err)
	}
	outcomes, err := s.repo.Outcomes(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load outcomes: %w", err)
	}
	return wf, model.OutcomesOf(model.MatchOutcomes(wf.Units, outcomes)), nil
}

// Progress returns the operator view of a workflow.
func (s *WorkflowService) Progress(ctx context.Context, workflowID string) (*model.WorkflowProgress, error) {
	wf, err := s.repo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.repo.Outcomes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if outcomes == nil {
		outcomes = []model.Outcome{}
	}
	return &model.WorkflowProgress{Workflow: wf, Outcomes: outcomes}, nil
}

// MarkComplete stamps the workflow finished. It reports false when another
// aggregator run already did.
func (s *WorkflowService) MarkComplete(ctx context.Context, workflowID string) (bool, error) {
	return s.repo.MarkComplete(ctx, workflowID)
}

// RecordAttempt stores what one unit job attempt did. Failures are logged;
// attempt history never fails a job.
func (s *WorkflowService) RecordAttempt(ctx context.Context, job *model.Job, o model.Outcome, startedAt time.Time) {
	if s.results == nil || job == nil {
		return
	}
	completed := time.Now()
	attempt := model.UnitAttemptResult{
		UnitID:        o.UnitID,
		Target:        o.Target,
		AttemptNumber: job.RetryCount + 1,
		Success:       o.Success,
		Error:         o.Error,
		AttemptedAt:   startedAt,
		CompletedAt:   &completed,
		DurationMs:    completed.Sub(startedAt).Milliseconds(),
	}
	if o.Artifact != nil {
		attempt.Artifact = *o.Artifact
	}
	if job.WorkflowID != nil {
		attempt.WorkflowID = *job.WorkflowID
	}
	s.RecordResult(ctx, job, attempt)
}

// RecordResult stores v as the result of job.
func (s *WorkflowService) RecordResult(ctx context.Context, job *model.Job, v any) {
	if s.results == nil || job == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal job result", "job_id", job.ID, "error", err)
		return
	}
	if err := s.results.Upsert(ctx, core.UpsertJobResultParams{
		JobID:   job.ID,
		JobType: job.Type,
		Result:  payload,
	}); err != nil {
		s.logger.ErrorContext(ctx, "persist job result", "job_id", job.ID, "error", err)
	}
}

// Results lists the stored job results of a workflow, newest first.
func (s *WorkflowService) Results(ctx context.Context, workflowID string) ([]*model.JobResult, error) {
	if s.results == nil {
		return []*model.JobResult{}, nil
	}
	results, err := s.results.ListByWorkflowID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list job results: %w", err)
	}
	return results, nil
}
