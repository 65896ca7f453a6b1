//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkflowKind identifies which pipeline a workflow belongs to.
type WorkflowKind string

const (
	// WorkflowKindMail fans out one mail_send per recipient.
	WorkflowKindMail WorkflowKind = "mail"
	// WorkflowKindExport fans out one export_run per application.
	WorkflowKindExport WorkflowKind = "export"
)

// Valid returns true if the kind is known.
func (k WorkflowKind) Valid() bool {
	return k == WorkflowKindMail || k == WorkflowKindExport
}

// WorkflowUnit identifies one fanned-out unit within a workflow.
type WorkflowUnit struct {
	UnitID string `json:"unit_id"`
	Target string `json:"target"`
}

// Workflow is the barrier record joining N units to one aggregate job.
type Workflow struct {
	ID               string          `json:"id"                         db:"id"`
	Kind             WorkflowKind    `json:"kind"                       db:"kind"`
	Total            int             `json:"total"                      db:"total"`
	Remaining        int             `json:"remaining"                  db:"remaining"`
	Units            []WorkflowUnit  `json:"units"                      db:"units"`
	AggregateType    JobType         `json:"aggregate_type"             db:"aggregate_type"`
	AggregatePayload json.RawMessage `json:"aggregate_payload"          db:"aggregate_payload"`
	AggregateJobID   *string         `json:"aggregate_job_id,omitempty" db:"aggregate_job_id"`
	CreatedAt        time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                 db:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
}

// BarrierSatisfied reports whether every unit has recorded an outcome.
func (w *Workflow) BarrierSatisfied() bool {
	return w.Remaining <= 0
}

// UnitSubmission pairs a unit identity with the job that executes it.
type UnitSubmission struct {
	Unit WorkflowUnit
	Job  CreateJobRequest
}

// SubmitWorkflowRequest describes a fan-out: N unit jobs and the aggregate
// job enqueued once all N have reported.
type SubmitWorkflowRequest struct {
	ID        string
	Kind      WorkflowKind
	Units     []UnitSubmission
	Aggregate CreateJobRequest
}

// Validate checks the fan-out shape before anything is written.
func (r *SubmitWorkflowRequest) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid workflow kind: %q", r.Kind)
	}
	if len(r.Units) == 0 {
		return errors.New("workflow requires at least one unit")
	}
	if !r.Aggregate.Type.IsAggregate() {
		return fmt.Errorf("job type %s cannot aggregate a workflow", r.Aggregate.Type)
	}
	seen := make(map[string]struct{}, len(r.Units))
	for i := range r.Units {
		id := strings.TrimSpace(r.Units[i].Unit.UnitID)
		if id == "" {
			return fmt.Errorf("unit %d: unit id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate unit id %q", id)
		}
		seen[id] = struct{}{}
		if err := r.Units[i].Job.Validate(); err != nil {
			return fmt.Errorf("unit %s: %w", id, err)
		}
	}
	return nil
}

// UnitRefs returns the unit identities in submission order.
func (r *SubmitWorkflowRequest) UnitRefs() []WorkflowUnit {
	out := make([]WorkflowUnit, 0, len(r.Units))
	for _, u := range r.Units {
		out = append(out, u.Unit)
	}
	return out
}

// RecordOutcomeResult tells the caller what the barrier did with an outcome.
type RecordOutcomeResult struct {
	// Recorded is false when this unit already reported (redelivery).
	Recorded bool
	// Remaining is the number of units still outstanding after this call.
	Remaining int
	// AggregateJobID is set when this outcome satisfied the barrier.
	AggregateJobID *string
}

// WorkflowProgress is the read model exposed to operators.
type WorkflowProgress struct {
	Workflow *Workflow `json:"workflow"`
	Outcomes []Outcome `json:"outcomes"`
}
