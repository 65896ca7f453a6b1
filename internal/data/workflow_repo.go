package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data/pgxutil"
	"github.com/inter-actief/courier/internal/domain/model"
)

// WorkflowRepo persists workflows and their unit outcomes. Unit and aggregate
// jobs are written through the job repository inside the same transaction.
type WorkflowRepo struct {
	DB     *sql.DB
	jobs   core.JobRepositoryTx
	clock  Clock
	logger *slog.Logger
}

// WorkflowRepoOptions bundles dependencies for NewWorkflowRepo.
type WorkflowRepoOptions struct {
	Jobs   core.JobRepositoryTx
	Clock  Clock
	Logger *slog.Logger
}

// NewWorkflowRepo creates a WorkflowRepo.
func NewWorkflowRepo(db *sql.DB, opts WorkflowRepoOptions) *WorkflowRepo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowRepo{DB: db, jobs: opts.Jobs, clock: clockOrSystem(opts.Clock), logger: logger}
}

const workflowColumns = `
  id,
  kind,
  total,
  remaining,
  units,
  aggregate_type,
  aggregate_payload,
  aggregate_job_id,
  created_at,
  updated_at,
  completed_at
`

type workflowRowData struct {
	units, aggregatePayload []byte
	aggregateJobID          sql.NullString
	completedAt             sql.NullTime
}

func scanWorkflow(scanner rowScanner) (*model.Workflow, error) {
	w := &model.Workflow{}
	var d workflowRowData
	if err := scanner.Scan(
		&w.ID,
		&w.Kind,
		&w.Total,
		&w.Remaining,
		&d.units,
		&w.AggregateType,
		&d.aggregatePayload,
		&d.aggregateJobID,
		&w.CreatedAt,
		&w.UpdatedAt,
		&d.completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(d.units, &w.Units); err != nil {
		return nil, fmt.Errorf("decode workflow units: %w", err)
	}
	w.AggregatePayload = cloneJSON(d.aggregatePayload)
	w.AggregateJobID = cloneNullableString(d.aggregateJobID)
	w.CompletedAt = cloneNullableTime(d.completedAt)
	return w, nil
}

// Submit inserts the workflow barrier row and every unit job in one transaction.
// Either the whole fan-out is durable or none of it is.
func (r *WorkflowRepo) Submit(ctx context.Context, req *model.SubmitWorkflowRequest) (*model.Workflow, error) {
	if req == nil {
		return nil, errors.New("submit workflow request is required")
	}
	if r.jobs == nil {
		return nil, errors.New("workflow repo has no job repository")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		return nil, errors.New("workflow id must be a valid UUID")
	}

	units, err := json.Marshal(req.UnitRefs())
	if err != nil {
		return nil, fmt.Errorf("marshal workflow units: %w", err)
	}
	aggPayload := req.Aggregate.Payload
	if len(aggPayload) == 0 {
		aggPayload = json.RawMessage(`{}`)
	}

	now := r.clock.Now().UTC()
	var wf *model.Workflow
	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO workflows (id, kind, total, remaining, units, aggregate_type, aggregate_payload, created_at, updated_at)
				VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $7)
				RETURNING `+workflowColumns,
				req.ID, req.Kind, len(req.Units), units, req.Aggregate.Type, []byte(aggPayload), now)
			created, scanErr := scanWorkflow(row)
			if isUniqueViolation(scanErr) {
				return ErrWorkflowExists
			}
			if scanErr != nil {
				return fmt.Errorf("insert workflow: %w", scanErr)
			}

			for i := range req.Units {
				job := req.Units[i].Job
				job.WorkflowID = &created.ID
				if _, jobErr := r.jobs.CreateInTx(ctx, tx, &job); jobErr != nil {
					return fmt.Errorf("enqueue unit %s: %w", req.Units[i].Unit.UnitID, jobErr)
				}
			}
			wf = created
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "workflow submitted",
		"workflow_id", wf.ID,
		"kind", wf.Kind,
		"units", wf.Total,
		"aggregate", wf.AggregateType,
	)
	return wf, nil
}

// RecordOutcome stores a unit outcome at most once. The workflow row lock
// serializes concurrent reporters so exactly one of them observes remaining
// reaching zero and enqueues the aggregate job, within the same transaction.
func (r *WorkflowRepo) RecordOutcome(
	ctx context.Context,
	params core.RecordOutcomeParams,
) (*model.RecordOutcomeResult, error) {
	if params.WorkflowID == "" {
		return nil, ErrWorkflowIDRequired
	}
	if r.jobs == nil {
		return nil, errors.New("workflow repo has no job repository")
	}
	var result *model.RecordOutcomeResult
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var txErr error
			result, txErr = recordOutcomeTx(ctx, tx, r.jobs, r.clock.Now().UTC(), params)
			return txErr
		},
	})
	if err != nil {
		return nil, err
	}

	if result.Recorded && result.Remaining == 0 && result.AggregateJobID != nil {
		r.logger.InfoContext(ctx, "workflow barrier satisfied",
			"workflow_id", params.WorkflowID,
			"aggregate_job_id", *result.AggregateJobID,
		)
	}
	return result, nil
}

// recordOutcomeTx is the barrier step shared by reporters and by the job
// repository when a unit job fails for good. An empty outcome target is
// filled from the workflow's unit list.
func recordOutcomeTx(
	ctx context.Context,
	tx *sql.Tx,
	jobs core.JobRepositoryTx,
	now time.Time,
	params core.RecordOutcomeParams,
) (*model.RecordOutcomeResult, error) {
	wf, err := scanWorkflow(tx.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 FOR UPDATE`, params.WorkflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock workflow: %w", err)
	}
	o := params.Outcome
	unit, ok := workflowUnit(wf, o.UnitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, o.UnitID)
	}
	if o.Target == "" {
		o.Target = unit.Target
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_outcomes (workflow_id, unit_id, target, success, error, artifact, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id, unit_id) DO NOTHING
	`, wf.ID, o.UnitID, o.Target, o.Success, nullIfEmpty(o.Error), o.Artifact, now)
	if err != nil {
		return nil, fmt.Errorf("insert outcome: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	result := &model.RecordOutcomeResult{AggregateJobID: wf.AggregateJobID, Remaining: wf.Remaining}
	if inserted == 0 {
		return result, nil
	}
	result.Recorded = true

	if err := tx.QueryRowContext(ctx, `
		UPDATE workflows
		SET remaining = remaining - 1, updated_at = $2
		WHERE id = $1
		RETURNING remaining
	`, wf.ID, now).Scan(&result.Remaining); err != nil {
		return nil, fmt.Errorf("decrement remaining: %w", err)
	}
	if result.Remaining > 0 || wf.AggregateJobID != nil {
		return result, nil
	}

	job, err := jobs.CreateInTx(ctx, tx, &model.CreateJobRequest{
		Type:       wf.AggregateType,
		Payload:    wf.AggregatePayload,
		WorkflowID: &wf.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue aggregate: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET aggregate_job_id = $2 WHERE id = $1`, wf.ID, job.ID); err != nil {
		return nil, fmt.Errorf("record aggregate job: %w", err)
	}
	result.AggregateJobID = &job.ID
	return result, nil
}

func workflowUnit(wf *model.Workflow, unitID string) (model.WorkflowUnit, bool) {
	for _, u := range wf.Units {
		if u.UnitID == unitID {
			return u, true
		}
	}
	return model.WorkflowUnit{}, false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetByID returns a workflow by id.
func (r *WorkflowRepo) GetByID(ctx context.Context, id string) (*model.Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrWorkflowNotFound
	}
	wf, err := scanWorkflow(r.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// Outcomes returns every recorded outcome of a workflow in arrival order.
func (r *WorkflowRepo) Outcomes(ctx context.Context, workflowID string) ([]model.Outcome, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT unit_id, target, success, error, artifact
		FROM workflow_outcomes
		WHERE workflow_id = $1
		ORDER BY recorded_at, unit_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var (
			o        model.Outcome
			errText  sql.NullString
			artifact sql.NullString
		)
		if err := rows.Scan(&o.UnitID, &o.Target, &o.Success, &errText, &artifact); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Error = errText.String
		o.Artifact = cloneNullableString(artifact)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// UnitOutcome returns the outcome recorded for one unit, or nil if the unit
// has not reported yet.
func (r *WorkflowRepo) UnitOutcome(ctx context.Context, workflowID, unitID string) (*model.Outcome, error) {
	var (
		o        = model.Outcome{UnitID: unitID}
		errText  sql.NullString
		artifact sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT target, success, error, artifact
		FROM workflow_outcomes
		WHERE workflow_id = $1 AND unit_id = $2
	`, workflowID, unitID).Scan(&o.Target, &o.Success, &errText, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit outcome: %w", err)
	}
	o.Error = errText.String
	o.Artifact = cloneNullableString(artifact)
	return &o, nil
}

// MarkComplete stamps completed_at once. It returns false if it was already set.
func (r *WorkflowRepo) MarkComplete(ctx context.Context, workflowID string) (bool, error) {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE workflows
		SET completed_at = $2, updated_at = $2
		WHERE id = $1 AND completed_at IS NULL
	`, workflowID, now)
	if err != nil {
		return false, fmt.Errorf("mark workflow complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
