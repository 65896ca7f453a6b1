package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ServiceMode is one role the process can take. A deployment picks any
// combination with SERVICES.
type ServiceMode string

const (
	ServiceModeHTTP         ServiceMode = "http"
	ServiceModeMailRunner   ServiceMode = "mail-runner"   // mail_send and mail_report lanes
	ServiceModeExportRunner ServiceMode = "export-runner" // export_run, export_zip and export_notify lanes
	ServiceModeReaper       ServiceMode = "reaper"
)

// ValidServiceModes lists every mode in startup order.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeMailRunner, ServiceModeExportRunner, ServiceModeReaper}
}

// ParseServices turns a comma separated SERVICES value into a set. Blank
// entries are skipped; an unknown name or an empty set is an error.
func ParseServices(list string) (map[ServiceMode]bool, error) {
	valid := ValidServiceModes()
	services := make(map[ServiceMode]bool, len(valid))
	for name := range strings.SplitSeq(list, ",") {
		mode := ServiceMode(strings.TrimSpace(name))
		if mode == "" {
			continue
		}
		if !slices.Contains(valid, mode) {
			return nil, fmt.Errorf("invalid service name: %q (valid options: %v)", mode, valid)
		}
		services[mode] = true
	}
	if len(services) == 0 {
		return nil, errors.New("at least one service must be specified")
	}
	return services, nil
}

// MailRunnerConfig contains mail job runner configuration.
type MailRunnerConfig struct {
	// Concurrency is the number of mail_send workers. Each worker sleeps
	// EMAIL_DELAY after a message, so this is also the send rate multiplier.
	Concurrency int `env:"MAIL_RUNNER_CONCURRENCY" envDefault:"1"`

	// JobLease is the duration to lease a mail job.
	JobLease time.Duration `env:"MAIL_RUNNER_JOB_LEASE" envDefault:"30s"`

	// SendTimeout bounds a single mail_send job.
	SendTimeout time.Duration `env:"MAIL_RUNNER_SEND_TIMEOUT" envDefault:"2m"`

	// ReportTimeout bounds a mail_report aggregate job.
	ReportTimeout time.Duration `env:"MAIL_RUNNER_REPORT_TIMEOUT" envDefault:"10m"`
}

// Sanitize applies guardrails to mail runner configuration values.
func (m *MailRunnerConfig) Sanitize() {
	if m.Concurrency < 1 {
		m.Concurrency = 1
	}
	if m.JobLease < 5*time.Second {
		m.JobLease = 5 * time.Second
	}
	if m.SendTimeout <= 0 {
		m.SendTimeout = 2 * time.Minute
	}
	if m.ReportTimeout <= 0 {
		m.ReportTimeout = 10 * time.Minute
	}
}

// ExportRunnerConfig contains export job runner configuration.
type ExportRunnerConfig struct {
	// Concurrency is the number of export_run workers.
	Concurrency int `env:"EXPORT_RUNNER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease an export job.
	JobLease time.Duration `env:"EXPORT_RUNNER_JOB_LEASE" envDefault:"1m"`

	// AggregateTimeout bounds export_zip and export_notify jobs.
	AggregateTimeout time.Duration `env:"EXPORT_RUNNER_AGGREGATE_TIMEOUT" envDefault:"10m"`
}

// Sanitize applies guardrails to export runner configuration values.
func (e *ExportRunnerConfig) Sanitize() {
	if e.Concurrency < 1 {
		e.Concurrency = 1
	}
	if e.JobLease < 5*time.Second {
		e.JobLease = 5 * time.Second
	}
	if e.AggregateTimeout <= 0 {
		e.AggregateTimeout = 10 * time.Minute
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// JobResultsMaxAge is the maximum age for persisted job_results rows before deletion.
	// These records keep delivery reports after their corresponding jobs are reaped.
	JobResultsMaxAge time.Duration `env:"REAPER_JOB_RESULTS_MAX_AGE" envDefault:"2160h"` // 90 days

	// WorkflowMaxAge is how long completed workflows and their outcomes are kept.
	WorkflowMaxAge time.Duration `env:"REAPER_WORKFLOW_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.JobResultsMaxAge < 24*time.Hour {
		r.JobResultsMaxAge = 24 * time.Hour
	}
	if r.WorkflowMaxAge < 1*time.Hour {
		r.WorkflowMaxAge = 1 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
