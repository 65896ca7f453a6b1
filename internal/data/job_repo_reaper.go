package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data/pgxutil"
)

// reaperLockSpace is the major key of the two-argument advisory locks taken
// by the sweeps below; the minor key names the sweep. A sweep whose lock is
// held by another reaper instance skips the cycle and reports zero rows.
const reaperLockSpace = 1000

type reaperLock int32

const (
	lockFailPending reaperLock = iota + 1
	lockDeleteJobs
	lockDeleteResults
	lockDeleteWorkflows
)

const (
	failStalePendingSQL = `
		UPDATE jobs
		SET status = 'failed',
			last_error = 'Job timed out in pending status',
			completed_at = $1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND created_at < $2
			ORDER BY created_at
			LIMIT $3
		)
		RETURNING ` + abandonedUnitColumns

	deleteOldJobsSQL = `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1
			  AND COALESCE(completed_at, updated_at) < $2
			ORDER BY COALESCE(completed_at, updated_at)
			LIMIT $3
		)`

	// Batches are picked by ctid.
	deleteOldJobResultsSQL = `
		DELETE FROM job_results
		USING (
			SELECT ctid FROM job_results
			WHERE job_type = $1 AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		) batch
		WHERE job_results.ctid = batch.ctid`

	deleteOldWorkflowsSQL = `
		DELETE FROM workflows
		WHERE id IN (
			SELECT id FROM workflows
			WHERE completed_at IS NOT NULL AND completed_at < $1
			ORDER BY completed_at
			LIMIT $2
		)`
)

func checkBatch(maxAge time.Duration, batchSize int) error {
	if batchSize <= 0 {
		return errors.New("batch size must be greater than zero")
	}
	if maxAge <= 0 {
		return errors.New("max age must be greater than zero")
	}
	return nil
}

// sweepLocked runs fn in a transaction holding the sweep's advisory lock.
// fn gets the cutoff for maxAge and returns the rows it touched.
func (r *JobRepo) sweepLocked(
	ctx context.Context,
	lock reaperLock,
	maxAge time.Duration,
	fn func(tx *sql.Tx, now, cutoff time.Time) (int64, error),
) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryXactLock(ctx, tx, reaperLockSpace, int32(lock))
			if err != nil || !locked {
				return err
			}
			now := r.clock.Now().UTC()
			n, err = fn(tx, now, now.Add(-maxAge))
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func execCount(ctx context.Context, tx *sql.Tx, what, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", what, err)
	}
	return n, nil
}

// FailStalePendingJobs fails up to batchSize jobs that have waited in
// pending for longer than maxAge. Workflow units among them get an error
// outcome in the same transaction.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.sweepLocked(ctx, lockFailPending, maxAge, func(tx *sql.Tx, now, cutoff time.Time) (int64, error) {
		rows, err := tx.QueryContext(ctx, failStalePendingSQL, now, cutoff, batchSize)
		if err != nil {
			return 0, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		units, err := scanAbandonedUnits(rows)
		if err != nil {
			return 0, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return int64(len(units)), r.recordAbandonedUnitsTx(ctx, tx, units)
	})
}

func scanAbandonedUnits(rows *sql.Rows) ([]abandonedUnit, error) {
	defer func() { _ = rows.Close() }()
	var units []abandonedUnit
	for rows.Next() {
		var u abandonedUnit
		if err := rows.Scan(&u.jobID, &u.jobType, &u.workflowID, &u.unitID, &u.lastError); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// DeleteOldJobs deletes up to BatchSize jobs in Status that finished more
// than MaxAge ago.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}
	if err := checkBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	return r.sweepLocked(ctx, lockDeleteJobs, params.MaxAge, func(tx *sql.Tx, _, cutoff time.Time) (int64, error) {
		return execCount(ctx, tx, "delete old jobs", deleteOldJobsSQL, params.Status, cutoff, params.BatchSize)
	})
}

// DeleteOldJobResults deletes up to BatchSize stored results of JobType last
// written more than MaxAge ago.
func (r *JobRepo) DeleteOldJobResults(ctx context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	if !params.JobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", params.JobType)
	}
	if err := checkBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	return r.sweepLocked(ctx, lockDeleteResults, params.MaxAge, func(tx *sql.Tx, _, cutoff time.Time) (int64, error) {
		return execCount(ctx, tx, "delete old job results", deleteOldJobResultsSQL, params.JobType, cutoff, params.BatchSize)
	})
}

// DeleteOldWorkflows deletes completed workflows older than MaxAge; their
// outcomes cascade. Workflows still waiting on units are never touched.
func (r *JobRepo) DeleteOldWorkflows(ctx context.Context, params core.DeleteOldWorkflowsParams) (int64, error) {
	if err := checkBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	return r.sweepLocked(ctx, lockDeleteWorkflows, params.MaxAge, func(tx *sql.Tx, _, cutoff time.Time) (int64, error) {
		return execCount(ctx, tx, "delete old workflows", deleteOldWorkflowsSQL, cutoff, params.BatchSize)
	})
}
