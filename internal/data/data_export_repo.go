package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data/pgxutil"
	"github.com/inter-actief/courier/internal/domain/model"
)

// DataExportRepo stores data exports and their per-backend status rows.
type DataExportRepo struct {
	DB    *sql.DB
	jobs  core.JobRepositoryTx
	clock Clock
}

// DataExportRepoOptions bundles dependencies for NewDataExportRepo.
type DataExportRepoOptions struct {
	// Jobs enqueues the notify job together with MarkComplete.
	Jobs  core.JobRepositoryTx
	Clock Clock
}

// NewDataExportRepo creates a DataExportRepo.
func NewDataExportRepo(db *sql.DB, opts DataExportRepoOptions) *DataExportRepo {
	return &DataExportRepo{DB: db, jobs: opts.Jobs, clock: clockOrSystem(opts.Clock)}
}

const dataExportColumns = `
  id,
  download_code,
  person_id,
  filename,
  request_timestamp,
  complete_timestamp,
  download_count,
  is_ready
`

const applicationStatusColumns = `id, export_id, application, status, error, artifact, updated_at`

func scanDataExport(scanner rowScanner) (*model.DataExport, error) {
	e := &model.DataExport{}
	var (
		personID, filename sql.NullString
		completed          sql.NullTime
	)
	if err := scanner.Scan(
		&e.ID,
		&e.DownloadCode,
		&personID,
		&filename,
		&e.RequestTimestamp,
		&completed,
		&e.DownloadCount,
		&e.IsReady,
	); err != nil {
		return nil, err
	}
	e.PersonID = cloneNullableString(personID)
	e.Filename = cloneNullableString(filename)
	e.CompleteTimestamp = cloneNullableTime(completed)
	e.RequestTimestamp = e.RequestTimestamp.UTC()
	return e, nil
}

func scanApplicationStatus(scanner rowScanner) (*model.ApplicationStatus, error) {
	s := &model.ApplicationStatus{}
	var errText, artifact sql.NullString
	if err := scanner.Scan(
		&s.ID,
		&s.ExportID,
		&s.Application,
		&s.Status,
		&errText,
		&artifact,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Error = cloneNullableString(errText)
	s.Artifact = cloneNullableString(artifact)
	return s, nil
}

// Create inserts an export and one NOT_STARTED status row per application.
// A person with an existing export gets ErrDataExportExists.
func (r *DataExportRepo) Create(ctx context.Context, params core.CreateDataExportParams) (*model.DataExport, error) {
	if len(params.Applications) == 0 {
		return nil, errors.New("at least one application is required")
	}
	for _, app := range params.Applications {
		if !app.Valid() {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownApplication, app)
		}
	}

	now := r.clock.Now().UTC()
	var export *model.DataExport
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			created, err := scanDataExport(tx.QueryRowContext(ctx, `
				INSERT INTO data_exports (person_id, request_timestamp)
				VALUES ($1, $2)
				RETURNING `+dataExportColumns, params.PersonID, now))
			if isUniqueViolation(err) {
				return ErrDataExportExists
			}
			if err != nil {
				return fmt.Errorf("insert data export: %w", err)
			}

			for _, app := range params.Applications {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO application_statuses (export_id, application, status, updated_at)
					VALUES ($1, $2, $3, $4)
				`, created.ID, string(app), int(model.StatusNotStarted), now); err != nil {
					return fmt.Errorf("insert status %s: %w", app, err)
				}
			}
			export = created
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return export, nil
}

func (r *DataExportRepo) getOne(ctx context.Context, where string, arg any) (*model.DataExport, error) {
	e, err := scanDataExport(r.DB.QueryRowContext(ctx,
		`SELECT `+dataExportColumns+` FROM data_exports WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDataExportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data export: %w", err)
	}
	return e, nil
}

// GetByID returns an export by its internal id.
func (r *DataExportRepo) GetByID(ctx context.Context, id string) (*model.DataExport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDataExportNotFound
	}
	return r.getOne(ctx, "id = $1", id)
}

// GetByCode returns an export by its download code.
func (r *DataExportRepo) GetByCode(ctx context.Context, code string) (*model.DataExport, error) {
	if _, err := uuid.Parse(code); err != nil {
		return nil, ErrDataExportNotFound
	}
	return r.getOne(ctx, "download_code = $1", code)
}

// GetByPersonID returns the export owned by a person.
func (r *DataExportRepo) GetByPersonID(ctx context.Context, personID string) (*model.DataExport, error) {
	return r.getOne(ctx, "person_id = $1", personID)
}

// ListStatuses returns the status rows of an export ordered by application key.
func (r *DataExportRepo) ListStatuses(ctx context.Context, exportID string) ([]*model.ApplicationStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+applicationStatusColumns+`
		FROM application_statuses
		WHERE export_id = $1
		ORDER BY application
	`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []*model.ApplicationStatus
	for rows.Next() {
		s, err := scanApplicationStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// BeginUnit takes a row lock on the status row. A terminal row is returned
// untouched (started=false) so a redelivered unit reuses the recorded result.
// Otherwise the row is moved to RUNNING before the lock is released.
func (r *DataExportRepo) BeginUnit(
	ctx context.Context,
	params core.BeginUnitParams,
) (*model.ApplicationStatus, bool, error) {
	var (
		row     *model.ApplicationStatus
		started bool
	)
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			current, err := scanApplicationStatus(tx.QueryRowContext(ctx, `
				SELECT `+applicationStatusColumns+`
				FROM application_statuses
				WHERE export_id = $1 AND application = $2
				FOR UPDATE
			`, params.ExportID, string(params.Application)))
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStatusRowNotFound
			}
			if err != nil {
				return fmt.Errorf("lock status row: %w", err)
			}
			if current.Status.Terminal() {
				row = current
				return nil
			}
			if !current.Status.CanTransition(model.StatusRunning) {
				return fmt.Errorf("status %s cannot move to running", current.Status)
			}

			now := r.clock.Now().UTC()
			if _, err := tx.ExecContext(ctx, `
				UPDATE application_statuses
				SET status = $2, updated_at = $3
				WHERE id = $1
			`, current.ID, int(model.StatusRunning), now); err != nil {
				return fmt.Errorf("mark running: %w", err)
			}
			current.Status = model.StatusRunning
			current.UpdatedAt = now
			row = current
			started = true
			return nil
		},
	})
	if err != nil {
		return nil, false, err
	}
	return row, started, nil
}

// FinishUnit moves a RUNNING row to a terminal state. Rows that are not
// RUNNING are left alone and false is returned.
func (r *DataExportRepo) FinishUnit(ctx context.Context, params core.FinishUnitParams) (bool, error) {
	if !params.Status.Terminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %s", params.Status)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE application_statuses
		SET status = $3, error = $4, artifact = $5, updated_at = $6
		WHERE export_id = $1 AND application = $2 AND status = $7
	`, params.ExportID, string(params.Application), int(params.Status), params.Error, params.Artifact,
		r.clock.Now().UTC(), int(model.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("finish unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// AbandonUnit moves a NOT_STARTED or RUNNING row to ERROR. Terminal rows are
// left alone and false is returned.
func (r *DataExportRepo) AbandonUnit(ctx context.Context, params core.AbandonUnitParams) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE application_statuses
		SET status = $3, error = $4, updated_at = $5
		WHERE export_id = $1 AND application = $2 AND status IN ($6, $7)
	`, params.ExportID, string(params.Application), int(model.StatusError), params.Error,
		r.clock.Now().UTC(), int(model.StatusNotStarted), int(model.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("abandon unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkComplete sets complete_timestamp, filename and is_ready exactly once and,
// in the same transaction, enqueues the notify job. It returns false if the
// export was already complete.
func (r *DataExportRepo) MarkComplete(ctx context.Context, params core.MarkExportCompleteParams) (bool, error) {
	if params.Notify != nil && r.jobs == nil {
		return false, errors.New("data export repo has no job repository")
	}
	var marked bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE data_exports
				SET complete_timestamp = $2, filename = $3, is_ready = TRUE
				WHERE id = $1 AND complete_timestamp IS NULL
			`, params.ExportID, r.clock.Now().UTC(), params.Filename)
			if err != nil {
				return fmt.Errorf("mark export complete: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				return nil
			}
			marked = true
			if params.Notify == nil {
				return nil
			}
			if _, err := r.jobs.CreateInTx(ctx, tx, params.Notify); err != nil {
				return fmt.Errorf("enqueue notify: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

// IncrementDownloads bumps the download counter and returns the new value.
func (r *DataExportRepo) IncrementDownloads(ctx context.Context, id string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		UPDATE data_exports
		SET download_count = download_count + 1
		WHERE id = $1
		RETURNING download_count
	`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDataExportNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment downloads: %w", err)
	}
	return count, nil
}

// Delete removes an export; its status rows cascade.
func (r *DataExportRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM data_exports WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete data export: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListExpired returns exports past their expiry at now, oldest first.
func (r *DataExportRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.DataExport, error) {
	if limit <= 0 {
		limit = 100
	}
	completeCutoff := now.Add(-model.ExportCompletedGrace).UTC()
	requestCutoff := now.Add(-model.ExportPendingGrace).UTC()

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+dataExportColumns+`
		FROM data_exports
		WHERE (complete_timestamp IS NOT NULL AND complete_timestamp <= $1)
		   OR (complete_timestamp IS NULL AND request_timestamp <= $2)
		ORDER BY request_timestamp
		LIMIT $3
	`, completeCutoff, requestCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired exports: %w", err)
	}
	defer rows.Close()

	var out []*model.DataExport
	for rows.Next() {
		e, err := scanDataExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data export: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
