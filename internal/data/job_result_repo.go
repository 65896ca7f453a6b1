package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data/pgxutil"
	"github.com/inter-actief/courier/internal/domain/model"
)

// JobResultRepo keeps the last result each unit attempt reported, keyed by
// job. Rows outlive the job until the reaper prunes them.
type JobResultRepo struct {
	DB *sql.DB
}

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

const jobResultColumns = `job_id, job_type, result, created_at, updated_at`

// Upsert replaces the stored result of a job. A retried unit overwrites the
// result of its previous attempt.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	if r == nil || r.DB == nil {
		return ErrJobResultsNotConfigured
	}
	if params.JobID == "" {
		return ErrJobIDRequired
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_results (job_id, job_type, result, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id) DO UPDATE
		SET job_type = EXCLUDED.job_type, result = EXCLUDED.result, updated_at = now()`,
		params.JobID, params.JobType, params.Result)
	if err != nil {
		return fmt.Errorf("upsert job result %s: %w", params.JobID, err)
	}
	return nil
}

// GetByJobID returns ErrJobResultsNotFound when the job never reported.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	rows, err := r.query(ctx, `SELECT `+jobResultColumns+` FROM job_results WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job result %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, ErrJobResultsNotFound
	}
	return rows[0], nil
}

// ListByWorkflowID returns the unit results of a workflow, newest first.
func (r *JobResultRepo) ListByWorkflowID(ctx context.Context, workflowID string) ([]*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if strings.TrimSpace(workflowID) == "" {
		return nil, ErrWorkflowIDRequired
	}
	rows, err := r.query(ctx, `
		SELECT `+jobResultColumns+` FROM job_results
		WHERE result ->> 'workflow_id' = $1
		ORDER BY updated_at DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list job results of workflow %s: %w", workflowID, err)
	}
	return rows, nil
}

// query scans through pgx so the jsonb column maps straight onto the
// struct tags of model.JobResult.
func (r *JobResultRepo) query(ctx context.Context, sql string, arg any) ([]*model.JobResult, error) {
	var out []*model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sql, arg)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobResult])
		return err
	})
	return out, err
}
