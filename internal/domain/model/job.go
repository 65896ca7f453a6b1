// Package model defines the core data types shared by the mail and export pipelines.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType names a kind of queued work; each belongs to one lane.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus is where a job is in its lease cycle.
type JobStatus string

const (
	// JobTypeMailSend renders and sends one recipient's e-mail.
	JobTypeMailSend JobType = "mail_send"
	// JobTypeMailReport aggregates mail outcomes into a delivery report.
	JobTypeMailReport JobType = "mail_report"
	// JobTypeExportRun runs one registered exporter for a data export.
	JobTypeExportRun JobType = "export_run"
	// JobTypeExportZip packages exporter artifacts into the delivery archive.
	JobTypeExportZip JobType = "export_zip"
	// JobTypeExportNotify mails the export owner that the archive is ready.
	JobTypeExportNotify JobType = "export_notify"

	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running" // leased by a runner
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed" // retries used up
)

// jobTypes lists every job type the queue accepts, in pipeline order.
var jobTypes = []struct {
	t         JobType
	lane      WorkflowKind
	aggregate bool
}{
	{JobTypeMailSend, WorkflowKindMail, false},
	{JobTypeMailReport, WorkflowKindMail, true},
	{JobTypeExportRun, WorkflowKindExport, false},
	{JobTypeExportZip, WorkflowKindExport, true},
	{JobTypeExportNotify, WorkflowKindExport, false},
}

// AllJobTypes lists every job type known to the queue.
func AllJobTypes() []JobType {
	out := make([]JobType, len(jobTypes))
	for i, jt := range jobTypes {
		out[i] = jt.t
	}
	return out
}

// UnmarshalText parses a job type from config, ignoring case.
func (t *JobType) UnmarshalText(text []byte) error {
	v := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobType: %q", v)
	}
	*t = v
	return nil
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t.Lane() != ""
}

// IsAggregate reports whether the job type consumes a workflow's outcomes.
func (t JobType) IsAggregate() bool {
	for _, jt := range jobTypes {
		if jt.t == t {
			return jt.aggregate
		}
	}
	return false
}

// Lane is the pipeline a job type belongs to, or "" for unknown types.
func (t JobType) Lane() WorkflowKind {
	for _, jt := range jobTypes {
		if jt.t == t {
			return jt.lane
		}
	}
	return ""
}

// Valid reports whether s is one of the four queue states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job represents a queued unit of work with its lease and retry bookkeeping.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                   db:"metadata"`
	WorkflowID     *string         `json:"workflow_id,omitempty"      db:"workflow_id"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// IsFinalAttempt reports whether a failure of the current attempt exhausts the retry budget.
func (j *Job) IsFinalAttempt() bool {
	return j.RetryCount+1 >= j.MaxRetries
}

// CreateJobRequest enqueues one job. A zero MaxRetries takes the queue default.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	WorkflowID  *string         `json:"workflow_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate returns the first problem with the request, checked in field order.
func (r *CreateJobRequest) Validate() error {
	switch {
	case !r.Type.Valid():
		return errors.New("invalid job type")
	case len(r.Payload) == 0:
		return errors.New("payload is required")
	case r.Priority < 0 || r.Priority > 100:
		return errors.New("priority must be between 0 and 100")
	case r.MaxRetries < 0:
		return errors.New("max retries must be >= 0")
	}
	if r.WorkflowID == nil || *r.WorkflowID == "" {
		return nil
	}
	if err := uuid.Validate(*r.WorkflowID); err != nil {
		return errors.New("workflow id must be a valid UUID")
	}
	return nil
}

// JobStats counts one job type's jobs per status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStatusResponse is the body of GET /api/jobs/{id}/status.
type JobStatusResponse struct {
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}
