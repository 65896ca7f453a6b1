// Package notify carries alerts about pipeline units that were given up on:
// a recipient that never got their mail or an export backend whose data is
// missing from an archive.
package notify

import (
	"context"
	"fmt"
	"time"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert describes a job that failed on its last attempt.
type Alert struct {
	JobID      string
	JobType    string
	WorkflowID string
	// Pipeline is "mail" or "export".
	Pipeline string
	UnitID   string
	// Target is the recipient address or the export backend.
	Target     string
	Attempts   int
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
}

// Summary is the one-line headline used by every sink.
func (a Alert) Summary() string {
	switch {
	case a.Pipeline == "mail" && a.Target != "":
		return fmt.Sprintf("Mail to %s was not delivered after %d attempt(s)", a.Target, a.Attempts)
	case a.Pipeline == "export" && a.Target != "":
		return fmt.Sprintf("Export backend %s failed after %d attempt(s)", a.Target, a.Attempts)
	case a.JobType != "":
		return fmt.Sprintf("Job %s (%s) failed after %d attempt(s)", a.JobID, a.JobType, a.Attempts)
	default:
		return fmt.Sprintf("Job %s failed", a.JobID)
	}
}

// Sink delivers alerts to one destination.
type Sink interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert Alert) error

// SendAlert implements Sink.
func (f SinkFunc) SendAlert(ctx context.Context, alert Alert) error {
	if f == nil {
		return nil
	}
	return f(ctx, alert)
}
