// Package exporter holds the closed set of data export backends.
//
// Every backend is registered under a stable model.ApplicationKey. A backend
// is opened once per unit with its own Workspace, asked to Export, and always
// cleaned up afterwards whatever the result.
package exporter

import (
	"context"
	"errors"

	"github.com/inter-actief/courier/internal/domain/model"
)

// ErrBackendDisabled is returned by Open for a registered but disabled backend.
var ErrBackendDisabled = errors.New("export backend disabled")

// ErrBackendNotRegistered is returned by Open for a key without an adapter.
var ErrBackendNotRegistered = errors.New("export backend not registered")

// ErrNoPerson is returned by adapters that need an owner when the export has none.
var ErrNoPerson = errors.New("export has no person")

// Request is the input of one backend run.
type Request struct {
	Export      *model.DataExport
	Person      *model.Person
	Application model.ApplicationKey
}

// Result describes the artifact produced by one backend run.
// A nil Result with a nil error means the backend found nothing to export.
type Result struct {
	Path    string
	Entries int
}

// Exporter runs one backend for one export.
type Exporter interface {
	Export(ctx context.Context, req Request) (*Result, error)
	// Cleanup removes everything the run left in its workspace.
	Cleanup() error
}

// Checker is implemented by backend clients that can verify connectivity.
type Checker interface {
	Check(ctx context.Context) error
}

// Factory constructs an exporter bound to a workspace.
type Factory func(ws *Workspace) (Exporter, error)

// base gives every adapter its workspace and the Cleanup half of Exporter.
type base struct {
	ws *Workspace
}

func (b base) Cleanup() error {
	return b.ws.Cleanup()
}
