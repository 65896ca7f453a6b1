//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringPtr(s string) *string { return &s }

func TestJobType_Valid(t *testing.T) {
	for _, jt := range AllJobTypes() {
		assert.True(t, jt.Valid(), jt)
	}
	assert.False(t, JobType("browser").Valid())
	assert.False(t, JobType("").Valid())
}

func TestJobType_IsAggregate(t *testing.T) {
	assert.True(t, JobTypeMailReport.IsAggregate())
	assert.True(t, JobTypeExportZip.IsAggregate())
	assert.False(t, JobTypeMailSend.IsAggregate())
	assert.False(t, JobTypeExportRun.IsAggregate())
	assert.False(t, JobTypeExportNotify.IsAggregate())
}

func TestJobType_Lane(t *testing.T) {
	assert.Equal(t, WorkflowKindMail, JobTypeMailSend.Lane())
	assert.Equal(t, WorkflowKindMail, JobTypeMailReport.Lane())
	assert.Equal(t, WorkflowKindExport, JobTypeExportRun.Lane())
	assert.Equal(t, WorkflowKindExport, JobTypeExportNotify.Lane())
	assert.Empty(t, JobType("rules").Lane())
}

func TestJobType_UnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte("  Export_Run ")))
	assert.Equal(t, JobTypeExportRun, jt)

	err := jt.UnmarshalText([]byte("rules"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JobType")
}

func TestJob_IsFinalAttempt(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{name: "no retries configured", retryCount: 0, maxRetries: 0, want: true},
		{name: "first of two", retryCount: 0, maxRetries: 2, want: false},
		{name: "second of two", retryCount: 1, maxRetries: 2, want: true},
		{name: "overrun", retryCount: 5, maxRetries: 2, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			assert.Equal(t, tt.want, j.IsFinalAttempt())
		})
	}
}

func TestCreateJobRequest_Validate(t *testing.T) {
	payload := json.RawMessage(`{"export_id":"abc"}`)
	tests := []struct {
		name     string
		req      CreateJobRequest
		errorMsg string
	}{
		{
			name: "valid",
			req:  CreateJobRequest{Type: JobTypeExportNotify, Payload: payload},
		},
		{
			name:     "invalid type",
			req:      CreateJobRequest{Type: "alert", Payload: payload},
			errorMsg: "invalid job type",
		},
		{
			name:     "missing payload",
			req:      CreateJobRequest{Type: JobTypeMailSend},
			errorMsg: "payload is required",
		},
		{
			name:     "priority out of range",
			req:      CreateJobRequest{Type: JobTypeMailSend, Payload: payload, Priority: 101},
			errorMsg: "priority must be between 0 and 100",
		},
		{
			name:     "negative retries",
			req:      CreateJobRequest{Type: JobTypeMailSend, Payload: payload, MaxRetries: -1},
			errorMsg: "max retries must be >= 0",
		},
		{
			name: "empty workflow id allowed",
			req:  CreateJobRequest{Type: JobTypeMailSend, Payload: payload, WorkflowID: stringPtr("")},
		},
		{
			name: "valid workflow id",
			req: CreateJobRequest{
				Type:       JobTypeMailSend,
				Payload:    payload,
				WorkflowID: stringPtr("550e8400-e29b-41d4-a716-446655440000"),
			},
		},
		{
			name:     "malformed workflow id",
			req:      CreateJobRequest{Type: JobTypeMailSend, Payload: payload, WorkflowID: stringPtr("wf-1")},
			errorMsg: "workflow id must be a valid UUID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.errorMsg, err.Error())
		})
	}
}
