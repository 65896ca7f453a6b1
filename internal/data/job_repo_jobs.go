package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data/pgxutil"
	"github.com/inter-actief/courier/internal/domain/model"
)

const (
	defaultRetryDelaySeconds = 30
	defaultMaxRetries        = 3

	// requeueLockSpace is the advisory lock major key of requeueExpired; the
	// minor key is derived from the lane so lanes never contend.
	requeueLockSpace = 1001
)

const (
	insertJobSQL = `
  INSERT INTO jobs(type, status, priority, payload, metadata, workflow_id, scheduled_at, max_retries)
  VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7)
  RETURNING ` + jobColumns

	notifyJobSQL = `SELECT pg_notify($1::text, $2::text)`

	// reserveNextSQL leases the best pending job of a lane. SKIP LOCKED lets
	// concurrent runners pass over a row another runner is taking.
	reserveNextSQL = `
  WITH next AS (
    SELECT id FROM jobs
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at, created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET status = 'running',
      started_at = COALESCE(j.started_at, $2),
      lease_expires_at = $3,
      updated_at = $2
  FROM next
  WHERE j.id = next.id
  RETURNING ` + prefixedJobColumns

	requeueExpiredSQL = `
  UPDATE jobs
  SET status = 'pending', lease_expires_at = NULL
  WHERE type = $1 AND status = 'running' AND lease_expires_at < $2`

	heartbeatSQL = `
  UPDATE jobs SET lease_expires_at = $2, updated_at = $3
  WHERE id = $1 AND status = 'running'`

	completeSQL = `
  UPDATE jobs
  SET status = 'completed', completed_at = $2, updated_at = $2,
      lease_expires_at = NULL, last_error = NULL
  WHERE id = $1 AND status = 'running'`

	// failSQL spends one attempt. $3 is now and $4 the retry time.
	failSQL = `
  UPDATE jobs
  SET last_error = $2,
      retry_count = retry_count + 1,
      status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
      completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz END,
      scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
      lease_expires_at = NULL,
      updated_at = $3
  WHERE id = $1 AND status = 'running'
  RETURNING status, ` + abandonedUnitColumns

	statsSQL = `
  SELECT
    count(*) FILTER (WHERE status = 'pending'),
    count(*) FILTER (WHERE status = 'running'),
    count(*) FILTER (WHERE status = 'completed'),
    count(*) FILTER (WHERE status = 'failed')
  FROM jobs WHERE type = $1`

	deleteJobSQL = `
  DELETE FROM jobs
  WHERE id = $1
    AND status IN ('pending', 'completed', 'failed')
    AND (lease_expires_at IS NULL OR lease_expires_at <= $2)`
)

func (r *JobRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelaySeconds > 0 {
		return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
	}
	return defaultRetryDelaySeconds * time.Second
}

func jobChannel(t model.JobType) string {
	return "job_added_" + string(t)
}

// insertArgs validates req and renders the insertJobSQL arguments.
func (r *JobRepo) insertArgs(req *model.CreateJobRequest) ([]any, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta := []byte(`{}`)
	if req.Metadata != nil {
		if meta, err = json.Marshal(req.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	scheduledAt := r.clock.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	var workflowID any
	if req.WorkflowID != nil && *req.WorkflowID != "" {
		workflowID = *req.WorkflowID
	}

	return []any{req.Type, req.Priority, payload, meta, workflowID, scheduledAt.UTC(), maxRetries}, nil
}

// Create enqueues a job and wakes the runners of its lane on commit.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	args, err := r.insertArgs(req)
	if err != nil {
		return nil, err
	}

	var job *model.Job
	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var scanErr error
			if job, scanErr = scanJob(tx.QueryRow(ctx, insertJobSQL, args...)); scanErr != nil {
				return fmt.Errorf("insert job: %w", scanErr)
			}
			if _, notifyErr := tx.Exec(ctx, notifyJobSQL, jobChannel(job.Type), job.ID); notifyErr != nil {
				return fmt.Errorf("send job notification: %w", notifyErr)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateInTx enqueues a job inside the caller's transaction. The wakeup is
// delivered when that transaction commits.
func (r *JobRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	args, err := r.insertArgs(req)
	if err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, insertJobSQL, args...))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, notifyJobSQL, jobChannel(job.Type), job.ID); err != nil {
		return nil, fmt.Errorf("send job notification: %w", err)
	}
	return job, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one row in jobColumns order.
func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                                    model.Job
		payload, metadata                      []byte
		workflowID, lastError                  sql.NullString
		startedAt, completedAt, leaseExpiresAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Priority,
		&payload, &metadata, &workflowID,
		&job.ScheduledAt, &startedAt, &completedAt,
		&job.RetryCount, &job.MaxRetries, &lastError,
		&leaseExpiresAt, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = cloneJSON(payload)
	job.Metadata = cloneJSON(metadata)
	job.WorkflowID = cloneNullableString(workflowID)
	job.LastError = cloneNullableString(lastError)
	job.StartedAt = cloneNullableTime(startedAt)
	job.CompletedAt = cloneNullableTime(completedAt)
	job.LeaseExpiresAt = cloneNullableTime(leaseExpiresAt)
	return &job, nil
}

// collectJob adapts scanJob to pgx.CollectRows.
func collectJob(row pgx.CollectableRow) (*model.Job, error) {
	return scanJob(row)
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func requeueLockKey(jobType model.JobType) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	return int32(h.Sum32() & math.MaxInt32)
}

// tryXactLock takes a transaction-scoped advisory lock without waiting.
func tryXactLock(ctx context.Context, tx *sql.Tx, major, minor int32) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", major, minor).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}

// requeueExpired hands jobs whose lease ran out back to their lane. A runner
// that crashed mid-unit loses its lease, and the unit is delivered again.
func (r *JobRepo) requeueExpired(ctx context.Context, jobType model.JobType) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryXactLock(ctx, tx, requeueLockSpace, requeueLockKey(jobType))
			if err != nil || !locked {
				return err
			}
			n, err = execCount(ctx, tx, "requeue expired", requeueExpiredSQL, jobType, r.clock.Now().UTC())
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReserveNext leases the next due job of jobType for leaseSeconds, first
// returning expired leases of the lane to pending. It returns
// model.ErrNoJobsAvailable when nothing is due.
func (r *JobRepo) ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}

	n, err := r.requeueExpired(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}
	if n > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "requeued expired jobs", "job_type", jobType, "count", n)
	}

	var job *model.Job
	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.clock.Now().UTC()
			lease := now.Add(time.Duration(leaseSeconds) * time.Second)
			var scanErr error
			job, scanErr = scanJob(tx.QueryRow(ctx, reserveNextSQL, jobType, now, lease))
			switch {
			case errors.Is(scanErr, pgx.ErrNoRows):
				return model.ErrNoJobsAvailable
			case scanErr != nil:
				return fmt.Errorf("reserve job: %w", scanErr)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// updateRunning runs an UPDATE guarded on status = 'running' and reports
// whether it matched.
func (r *JobRepo) updateRunning(ctx context.Context, what, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", what, err)
	}
	return n > 0, nil
}

// Heartbeat extends the lease of a running job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	now := r.clock.Now().UTC()
	return r.updateRunning(ctx, "heartbeat job", heartbeatSQL,
		jobID, now.Add(time.Duration(leaseSeconds)*time.Second), now)
}

// Complete marks a running job completed.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	return r.updateRunning(ctx, "complete job", completeSQL, id, r.clock.Now().UTC())
}

// Fail records a failed attempt. The job goes back to pending after the retry
// delay until retry_count reaches max_retries, then it is marked failed. A
// workflow unit that fails for good gets an error outcome in the same
// transaction so its barrier still counts down.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.clock.Now().UTC()

	var (
		status string
		found  bool
	)
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var u abandonedUnit
			err := tx.QueryRowContext(ctx, failSQL, id, errMsg, now, now.Add(r.retryDelay())).
				Scan(&status, &u.jobID, &u.jobType, &u.workflowID, &u.unitID, &u.lastError)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fail job: %w", err)
			}
			found = true
			if model.JobStatus(status) != model.JobStatusFailed {
				return nil
			}
			return r.recordAbandonedUnitsTx(ctx, tx, []abandonedUnit{u})
		},
	})
	if err != nil || !found {
		return false, err
	}

	if model.JobStatus(status) == model.JobStatusFailed && r.logger != nil {
		r.logger.WarnContext(ctx, "job exhausted retries", "job_id", id, "error", errMsg)
	}
	return true, nil
}

// abandonedUnitColumns is returned by statements that move jobs to failed.
const abandonedUnitColumns = `id, type, workflow_id, COALESCE(payload->>'unit_id', ''), COALESCE(last_error, '')`

// abandonedUnit is a job that reached failed without reporting its outcome.
type abandonedUnit struct {
	jobID      string
	jobType    model.JobType
	workflowID sql.NullString
	unitID     string
	lastError  string
}

func (u abandonedUnit) inWorkflow() bool {
	return u.workflowID.Valid && u.unitID != "" && !u.jobType.IsAggregate()
}

// recordAbandonedUnitsTx records an error outcome for every failed workflow
// unit. A unit that already reported keeps its outcome, and jobs whose
// workflow is gone or does not list the unit are skipped.
func (r *JobRepo) recordAbandonedUnitsTx(ctx context.Context, tx *sql.Tx, units []abandonedUnit) error {
	now := r.clock.Now().UTC()
	for _, u := range units {
		if !u.inWorkflow() {
			continue
		}
		msg := u.lastError
		if msg == "" {
			msg = "unit failed without an outcome"
		}
		res, err := recordOutcomeTx(ctx, tx, r, now, core.RecordOutcomeParams{
			WorkflowID: u.workflowID.String,
			Outcome:    model.Outcome{UnitID: u.unitID, Error: msg},
		})
		if errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrUnknownUnit) {
			continue
		}
		if err != nil {
			return fmt.Errorf("record outcome of failed job %s: %w", u.jobID, err)
		}
		if res.Recorded && r.logger != nil {
			r.logger.WarnContext(ctx, "recorded outcome for abandoned unit",
				"job_id", u.jobID,
				"workflow_id", u.workflowID.String,
				"unit_id", u.unitID,
				"remaining", res.Remaining,
			)
		}
	}
	return nil
}

// Stats counts the jobs of one lane per status.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	if err := r.DB.QueryRowContext(ctx, statsSQL, jobType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks on the job type's channel until a producer
// announces work or ctx ends. The LISTEN is scoped to one pinned connection.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	channel := pgx.Identifier{jobChannel(jobType)}.Sanitize()
	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() { _, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+channel) }()
		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

// GetByID loads one job, or returns ErrJobNotFound.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var scanErr error
		job, scanErr = scanJob(conn.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Delete removes a job that is not running and holds no live lease. A
// refused delete says why: ErrJobNotFound, ErrJobNotDeletable or
// ErrJobReserved.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, deleteJobSQL, id, now)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete job: rows affected: %w", err)
	} else if n > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	switch {
	case errors.Is(err, ErrJobNotFound):
		return ErrJobNotFound
	case err != nil:
		return fmt.Errorf("recheck job after refused delete: %w", err)
	case job.Status == model.JobStatusRunning:
		return ErrJobNotDeletable
	case job.LeaseExpiresAt != nil && now.Before(*job.LeaseExpiresAt):
		return ErrJobReserved
	}
	return fmt.Errorf("job %s in status %s was not deleted", id, job.Status)
}
