//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ExportCompletedGrace is how long a finished export stays downloadable.
	ExportCompletedGrace = 24 * time.Hour
	// ExportPendingGrace is how long an export that never completed is kept.
	ExportPendingGrace = 7 * 24 * time.Hour
)

// DataExport is one person's request to export their data from every
// registered backend. DownloadCode is the only identifier shown to users.
type DataExport struct {
	ID                string     `json:"id"                           db:"id"`
	DownloadCode      string     `json:"download_code"                db:"download_code"`
	PersonID          *string    `json:"person_id,omitempty"          db:"person_id"`
	Filename          *string    `json:"filename,omitempty"           db:"filename"`
	RequestTimestamp  time.Time  `json:"request_timestamp"            db:"request_timestamp"`
	CompleteTimestamp *time.Time `json:"complete_timestamp,omitempty" db:"complete_timestamp"`
	DownloadCount     int        `json:"download_count"               db:"download_count"`
	IsReady           bool       `json:"is_ready"                     db:"is_ready"`
}

// ExpiresOn returns the moment the export becomes eligible for deletion.
func (e *DataExport) ExpiresOn() time.Time {
	if e.CompleteTimestamp != nil {
		return e.CompleteTimestamp.Add(ExportCompletedGrace)
	}
	return e.RequestTimestamp.Add(ExportPendingGrace)
}

// IsExpired reports whether the export is past its expiry at now.
func (e *DataExport) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresOn())
}

// StatusCode is the persisted per-backend export state. The numeric values
// are stored in application_statuses.status and must not change.
type StatusCode int

const (
	StatusNotStarted StatusCode = 0
	StatusRunning    StatusCode = 1
	StatusSuccess    StatusCode = 2
	StatusError      StatusCode = 3
)

func (s StatusCode) String() string {
	switch s {
	case StatusNotStarted:
		return "Not started"
	case StatusRunning:
		return "Running"
	case StatusSuccess:
		return "Success"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("StatusCode(%d)", int(s))
	}
}

// Valid returns true if the code is one of the four known states.
func (s StatusCode) Valid() bool {
	return s >= StatusNotStarted && s <= StatusError
}

// Terminal reports whether no further transitions are allowed.
func (s StatusCode) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition enforces NOT_STARTED -> RUNNING -> {SUCCESS, ERROR}.
// Re-marking RUNNING is allowed so a redelivered attempt can resume, and a
// unit abandoned before it ever ran goes straight to ERROR.
func (s StatusCode) CanTransition(to StatusCode) bool {
	switch s {
	case StatusNotStarted:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusRunning || to == StatusSuccess || to == StatusError
	default:
		return false
	}
}

// ApplicationKey is the stable discriminator of a registered export backend.
// Keys are persisted in application_statuses and must never be renamed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ApplicationKey string

const (
	AppAmelie      ApplicationKey = "AmelieDataExporter"
	AppAmelieFiles ApplicationKey = "AmelieFileDataExporter"
	AppAlexia      ApplicationKey = "AlexiaDataExporter"
	AppGitLab      ApplicationKey = "GitLabDataExporter"
	AppHomedir     ApplicationKey = "HomedirDataExporter"
)

// ErrUnknownApplication is returned for keys outside the closed set.
var ErrUnknownApplication = errors.New("unknown export application")

// AllApplicationKeys lists the closed set of backends in display order.
func AllApplicationKeys() []ApplicationKey {
	return []ApplicationKey{AppAmelie, AppAmelieFiles, AppAlexia, AppGitLab, AppHomedir}
}

// Valid returns true if the key is registered.
func (k ApplicationKey) Valid() bool {
	switch k {
	case AppAmelie, AppAmelieFiles, AppAlexia, AppGitLab, AppHomedir:
		return true
	default:
		return false
	}
}

// DisplayName is the human label used in status responses and reports.
func (k ApplicationKey) DisplayName() string {
	switch k {
	case AppAmelie:
		return "Amelie"
	case AppAmelieFiles:
		return "Amelie files"
	case AppAlexia:
		return "Alexia"
	case AppGitLab:
		return "GitLab"
	case AppHomedir:
		return "Home directory"
	default:
		return string(k)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so keys can come from env and JSON.
func (k *ApplicationKey) UnmarshalText(text []byte) error {
	v := ApplicationKey(strings.TrimSpace(string(text)))
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownApplication, string(v))
	}
	*k = v
	return nil
}

// ApplicationStatus is one backend's progress for one export.
type ApplicationStatus struct {
	ID          string         `json:"id"                 db:"id"`
	ExportID    string         `json:"export_id"          db:"export_id"`
	Application ApplicationKey `json:"application"        db:"application"`
	Status      StatusCode     `json:"status"             db:"status"`
	Error       *string        `json:"error,omitempty"    db:"error"`
	Artifact    *string        `json:"artifact,omitempty" db:"artifact"`
	UpdatedAt   time.Time      `json:"updated_at"         db:"updated_at"`
}

// Outcome reconstructs the unit outcome recorded by a terminal row.
func (a *ApplicationStatus) Outcome(unitID string) Outcome {
	o := Outcome{
		UnitID:   unitID,
		Target:   string(a.Application),
		Success:  a.Status == StatusSuccess,
		Artifact: a.Artifact,
	}
	if a.Error != nil {
		o.Error = *a.Error
	}
	return o
}

// ExportStatusEntry is one row of the polling response.
type ExportStatusEntry struct {
	Name   string     `json:"name"`
	Status StatusCode `json:"status"`
}

// ExportStatusView is the status polling contract.
type ExportStatusView struct {
	Applications []ExportStatusEntry `json:"applications"`
	Done         bool                `json:"done"`
}

// ExportManifest is written as manifest.json into every delivery archive.
type ExportManifest struct {
	DownloadCode      string                  `json:"download_code"`
	RequestTimestamp  time.Time               `json:"request_timestamp"`
	CompleteTimestamp time.Time               `json:"complete_timestamp"`
	Summary           OutcomeSummary          `json:"summary"`
	Applications      []ExportManifestBackend `json:"applications"`
}

// ExportManifestBackend is one backend's line in the manifest.
type ExportManifestBackend struct {
	Key     ApplicationKey `json:"key"`
	Name    string         `json:"name"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Entries int            `json:"entries"`
}
