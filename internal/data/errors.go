package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Shared sentinel errors for data-layer repositories.
var (
	// Job result repository sentinels.
	ErrJobResultsNotConfigured = errors.New("job results repository not configured")
	ErrJobResultsNotFound      = errors.New("job results not found")
	ErrJobIDRequired           = errors.New("job_id is required")
	ErrWorkflowIDRequired      = errors.New("workflow_id is required")

	// Workflow repository sentinels.
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrUnknownUnit      = errors.New("unit does not belong to workflow")

	// Data export repository sentinels.
	ErrDataExportNotFound = errors.New("data export not found")
	ErrDataExportExists   = errors.New("person already has a data export")
	ErrStatusRowNotFound  = errors.New("application status not found")
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
