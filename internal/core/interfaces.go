package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces, not on the data package.

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	Delete(ctx context.Context, id string) error
}

// JobRepositoryTx defines optional transactional job creation support.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// UpsertJobResultParams groups parameters for JobResultRepository.Upsert.
type UpsertJobResultParams struct {
	JobID   string
	JobType model.JobType
	Result  []byte
}

// JobResultRepository defines the interface for persisted job result data.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
	ListByWorkflowID(ctx context.Context, workflowID string) ([]*model.JobResult, error)
}

// RecordOutcomeParams groups parameters for WorkflowRepository.RecordOutcome.
type RecordOutcomeParams struct {
	WorkflowID string
	Outcome    model.Outcome
}

// WorkflowRepository persists the fan-out/fan-in barrier.
type WorkflowRepository interface {
	// Submit writes the workflow record and all unit jobs atomically.
	Submit(ctx context.Context, req *model.SubmitWorkflowRequest) (*model.Workflow, error)
	// RecordOutcome stores a unit outcome at most once per unit and enqueues the
	// aggregate job in the same transaction when the last unit reports.
	RecordOutcome(ctx context.Context, params RecordOutcomeParams) (*model.RecordOutcomeResult, error)
	GetByID(ctx context.Context, id string) (*model.Workflow, error)
	Outcomes(ctx context.Context, workflowID string) ([]model.Outcome, error)
	// UnitOutcome returns the recorded outcome of one unit, or nil if it has not reported.
	UnitOutcome(ctx context.Context, workflowID, unitID string) (*model.Outcome, error)
	// MarkComplete sets completed_at if it is still null and reports whether it did.
	MarkComplete(ctx context.Context, workflowID string) (bool, error)
}

// CreateDataExportParams groups parameters for DataExportRepository.Create.
type CreateDataExportParams struct {
	PersonID     *string
	Applications []model.ApplicationKey
}

// BeginUnitParams identifies the status row an export unit works on.
type BeginUnitParams struct {
	ExportID    string
	Application model.ApplicationKey
}

// FinishUnitParams records a terminal unit state.
type FinishUnitParams struct {
	ExportID    string
	Application model.ApplicationKey
	Status      model.StatusCode
	Error       *string
	Artifact    *string
}

// AbandonUnitParams names a unit whose job failed without finishing its row.
type AbandonUnitParams struct {
	ExportID    string
	Application model.ApplicationKey
	Error       string
}

// MarkExportCompleteParams groups parameters for DataExportRepository.MarkComplete.
type MarkExportCompleteParams struct {
	ExportID string
	Filename string
	// Notify is enqueued in the same transaction when the export is marked.
	Notify *model.CreateJobRequest
}

// DataExportRepository persists exports and their per-backend status rows.
type DataExportRepository interface {
	Create(ctx context.Context, params CreateDataExportParams) (*model.DataExport, error)
	GetByID(ctx context.Context, id string) (*model.DataExport, error)
	GetByCode(ctx context.Context, code string) (*model.DataExport, error)
	GetByPersonID(ctx context.Context, personID string) (*model.DataExport, error)
	ListStatuses(ctx context.Context, exportID string) ([]*model.ApplicationStatus, error)
	// BeginUnit locks the status row, returns it unchanged if terminal, and
	// otherwise marks it RUNNING. started reports which case applied.
	BeginUnit(ctx context.Context, params BeginUnitParams) (row *model.ApplicationStatus, started bool, err error)
	FinishUnit(ctx context.Context, params FinishUnitParams) (bool, error)
	// AbandonUnit moves a row that never reached a terminal state to ERROR.
	AbandonUnit(ctx context.Context, params AbandonUnitParams) (bool, error)
	MarkComplete(ctx context.Context, params MarkExportCompleteParams) (bool, error)
	IncrementDownloads(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.DataExport, error)
}

// PersonDirectory resolves addressable identities.
type PersonDirectory interface {
	GetPerson(ctx context.Context, id string) (*model.Person, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams groups parameters for DeleteOldJobResults.
type DeleteOldJobResultsParams struct {
	JobType   model.JobType
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldWorkflowsParams groups parameters for DeleteOldWorkflows.
type DeleteOldWorkflowsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for cleanup operations.
type ReaperRepository interface {
	// FailStalePendingJobs marks pending jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldJobResults deletes job_results rows for the given job type older than maxAge.
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)

	// DeleteOldWorkflows deletes completed workflows (and their outcomes) older than maxAge.
	DeleteOldWorkflows(ctx context.Context, params DeleteOldWorkflowsParams) (int64, error)
}
