package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	errExportExists  = errors.New("an export for this person already exists")
	errTemplateMixed = errors.New("exactly one of template_name and template_source must be set")
)

func TestAppError_ErrorAndReason(t *testing.T) {
	cause := errors.New("connection reset")
	err := &AppError{Code: ErrCodeInternal, Message: "load export", Cause: cause}

	if got := err.Error(); got != "load export: connection reset" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if got := err.ErrorReason(); got != "internal" {
		t.Errorf("ErrorReason() = %q, want code", got)
	}
	err.Reason = "lookup_failed"
	if got := err.ErrorReason(); got != "lookup_failed" {
		t.Errorf("ErrorReason() = %q, want lookup_failed", got)
	}
}

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(
		Rule{Target: errExportExists, Code: ErrCodeConflict, Reason: "export_exists"},
		Rule{Target: errTemplateMixed, Code: ErrCodeValidation, Reason: "template_choice"},
	)

	tests := []struct {
		name       string
		err        error
		wantNil    bool
		wantCode   ErrorCode
		wantReason string
		wantMsg    string
	}{
		{name: "nil", err: nil, wantNil: true},
		{
			name:       "sentinel",
			err:        errExportExists,
			wantCode:   ErrCodeConflict,
			wantReason: "export_exists",
			wantMsg:    errExportExists.Error(),
		},
		{
			name:       "wrapped sentinel keeps its context",
			err:        fmt.Errorf("recipient 3: %w", errTemplateMixed),
			wantCode:   ErrCodeValidation,
			wantReason: "template_choice",
			wantMsg:    "recipient 3: " + errTemplateMixed.Error(),
		},
		{
			name:       "store error",
			err:        fmt.Errorf("create export: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "uq_data_exports_person", TableName: "data_exports"}),
			wantCode:   ErrCodeConflict,
			wantReason: "conflict",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("list jobs: %w", context.DeadlineExceeded),
			wantCode:   ErrCodeTimeout,
			wantReason: "timeout",
		},
		{name: "unrecognised", err: errors.New("smtp: 421 try later"), wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("Classify() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Classify() = nil, want %s", tt.wantCode)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.ErrorReason() != tt.wantReason {
				t.Errorf("ErrorReason() = %s, want %s", got.ErrorReason(), tt.wantReason)
			}
			if tt.wantMsg != "" && got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
		})
	}
}

func TestClassifier_FirstRuleWins(t *testing.T) {
	c := NewClassifier(
		Rule{Target: errExportExists, Code: ErrCodeConflict, Reason: "export_exists"},
		Rule{Target: errExportExists, Code: ErrCodeValidation, Reason: "never"},
	)
	if got := c.Classify(errExportExists); got.Reason != "export_exists" {
		t.Errorf("Reason = %s, want export_exists", got.Reason)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("wrap: %w", &AppError{Code: ErrCodeNotFound})); got != ErrCodeNotFound {
		t.Errorf("CodeOf() = %s, want not_found", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf() = %s, want empty", got)
	}
}
