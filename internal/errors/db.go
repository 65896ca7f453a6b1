package errors

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// Unique violation detail: "Key (download_code)=(...) already exists.".
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// Parent delete: `... is still referenced from table "application_statuses".`
	reReferencedFrom = regexp.MustCompile(`is still referenced from table "?([^"]+)"?`)
	// Child insert: `... is not present in table "workflows".`
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// constraintFields names the column behind each courier constraint. Postgres
// fills ColumnName only for NOT NULL violations.
var constraintFields = map[string]string{ //nolint:gochecknoglobals // read-only
	"uq_data_exports_person":                         "person_id",
	"data_exports_download_code_key":                 "download_code",
	"application_statuses_export_id_application_key": "application",
	"application_statuses_status_check":              "status",
	"jobs_status_check":                              "status",
	"workflows_kind_check":                           "kind",
	"workflows_total_check":                          "total",
	"workflows_remaining_check":                      "remaining",
	"workflows_check":                                "remaining",
	"workflow_outcomes_pkey":                         "unit_id",
}

// tableNouns is how each table is named in messages.
var tableNouns = map[string]string{ //nolint:gochecknoglobals // read-only
	"jobs":                 "job",
	"job_results":          "job result",
	"workflows":            "workflow",
	"workflow_outcomes":    "workflow outcome",
	"data_exports":         "data export",
	"application_statuses": "export status",
}

// MapDBError classifies an error from the store. Context errors become
// timeout or canceled, pgx.ErrNoRows becomes not_found and constraint
// violations become conflict, foreign_key or validation. Anything else is
// returned unchanged.
func MapDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "The database did not answer in time.", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "Request was canceled.", Cause: err}
	case errors.Is(err, pgx.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "Not found.", Cause: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "This " + tableNoun(pgErr.TableName) + " already exists.",
			Field:   uniqueField(pgErr),
			Cause:   pgErr,
		}
	case pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeForeignKey, Message: foreignKeyMessage(pgErr), Cause: pgErr}
	case pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "A required value is missing.",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgerrcode.CheckViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "A value is out of range.",
			Field:   constraintFields[pgErr.ConstraintName],
			Cause:   pgErr,
		}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "A database error occurred.", Cause: pgErr}
	}
}

func uniqueField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if f, ok := constraintFields[pgErr.ConstraintName]; ok {
		return f
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return ""
}

func foreignKeyMessage(pgErr *pgconn.PgError) string {
	if m := reReferencedFrom.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return "Still referenced by another " + tableNoun(m[1]) + "."
	}
	if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return "The referenced " + tableNoun(m[1]) + " does not exist."
	}
	if pgErr.TableName != "" {
		return "The " + tableNoun(pgErr.TableName) + " refers to a missing row."
	}
	return "A referenced row is missing."
}

func tableNoun(table string) string {
	if n, ok := tableNouns[table]; ok {
		return n
	}
	return "record"
}
