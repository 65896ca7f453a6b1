package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
)

// JobOption adjusts a job request built by JobRequest.
type JobOption func(*model.CreateJobRequest)

// JobRequest builds a valid request of jobType carrying payload. Without
// options it has priority 50 and three attempts.
func JobRequest(jobType model.JobType, payload string, opts ...JobOption) *model.CreateJobRequest {
	req := &model.CreateJobRequest{
		Type:       jobType,
		Priority:   50,
		Payload:    json.RawMessage(payload),
		MaxRetries: 3,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// InWorkflow attaches the job to a workflow.
func InWorkflow(id string) JobOption {
	return func(r *model.CreateJobRequest) { r.WorkflowID = &id }
}

// WithPriority overrides the priority.
func WithPriority(p int) JobOption {
	return func(r *model.CreateJobRequest) { r.Priority = p }
}

// WithMaxRetries overrides the attempt budget.
func WithMaxRetries(n int) JobOption {
	return func(r *model.CreateJobRequest) { r.MaxRetries = n }
}

// ScheduledAt defers the job.
func ScheduledAt(t time.Time) JobOption {
	return func(r *model.CreateJobRequest) { r.ScheduledAt = &t }
}

// WithMetadata sets the metadata document.
func WithMetadata(doc string) JobOption {
	return func(r *model.CreateJobRequest) { r.Metadata = json.RawMessage(doc) }
}

// MailSendJobRequest is the unit job for one recipient.
func MailSendJobRequest(unitID string, opts ...JobOption) *model.CreateJobRequest {
	payload := fmt.Sprintf(`{"unit_id":%q,"to":["member@example.com"]}`, unitID)
	return JobRequest(model.JobTypeMailSend, payload, opts...)
}

// MailReportJobRequest is the aggregate job that mails the delivery report
// to from.
func MailReportJobRequest(from string, reportAlways bool, opts ...JobOption) *model.CreateJobRequest {
	payload := fmt.Sprintf(`{"from":%q,"report_always":%t}`, from, reportAlways)
	return JobRequest(model.JobTypeMailReport, payload, opts...)
}

// ExportRunJobRequest is the unit job for one export backend.
func ExportRunJobRequest(exportID string, app model.ApplicationKey, opts ...JobOption) *model.CreateJobRequest {
	payload := fmt.Sprintf(`{"unit_id":%q,"export_id":%q,"application":%q}`, app, exportID, app)
	return JobRequest(model.JobTypeExportRun, payload, opts...)
}
