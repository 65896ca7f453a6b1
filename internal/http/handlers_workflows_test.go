package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
)

type fakeWorkflowReader struct {
	progress   *model.WorkflowProgress
	results    []*model.JobResult
	err        error
	resultsErr error
}

func (f *fakeWorkflowReader) Progress(context.Context, string) (*model.WorkflowProgress, error) {
	return f.progress, f.err
}

func (f *fakeWorkflowReader) Results(context.Context, string) ([]*model.JobResult, error) {
	return f.results, f.resultsErr
}

func serveWorkflow(t *testing.T, reader WorkflowReader) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workflows/{id}", (&WorkflowHandlers{Svc: reader}).Get)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1", nil))
	return rec
}

func TestWorkflowGet_Success(t *testing.T) {
	jobID := "job-1"
	rec := serveWorkflow(t, &fakeWorkflowReader{
		progress: &model.WorkflowProgress{
			Workflow: &model.Workflow{ID: "wf-1", Kind: model.WorkflowKindMail, AggregateType: model.JobTypeMailReport, Total: 3, Remaining: 1},
			Outcomes: []model.Outcome{
				{UnitID: "mail-0", Success: true},
				{UnitID: "mail-1", Error: "550 no such user"},
			},
		},
		results: []*model.JobResult{{JobID: &jobID, JobType: model.JobTypeMailSend, Result: json.RawMessage(`{"unit_id":"mail-0"}`)}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workflow model.Workflow       `json:"workflow"`
		Summary  model.OutcomeSummary `json:"summary"`
		Results  []model.JobResult    `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Workflow.Remaining)
	assert.Equal(t, model.OutcomeSummary{Total: 2, SuccessCount: 1, ErrorCount: 1}, body.Summary)
	require.Len(t, body.Results, 1)
}

func TestWorkflowGet_Errors(t *testing.T) {
	tests := []struct {
		name     string
		reader   *fakeWorkflowReader
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown workflow",
			reader:   &fakeWorkflowReader{err: data.ErrWorkflowNotFound},
			wantCode: http.StatusNotFound,
			wantErr:  "workflow_not_found",
		},
		{
			name:     "query canceled by timeout",
			reader:   &fakeWorkflowReader{err: context.DeadlineExceeded},
			wantCode: http.StatusGatewayTimeout,
			wantErr:  "timeout",
		},
		{
			name:     "driver error",
			reader:   &fakeWorkflowReader{err: &pgconn.PgError{Code: "XX000", Message: "internal"}},
			wantCode: http.StatusInternalServerError,
			wantErr:  "get_workflow_failed",
		},
		{
			name: "results failure",
			reader: &fakeWorkflowReader{
				progress:   &model.WorkflowProgress{Workflow: &model.Workflow{ID: "wf-1"}},
				resultsErr: errors.New("boom"),
			},
			wantCode: http.StatusInternalServerError,
			wantErr:  "get_workflow_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveWorkflow(t, tt.reader)
			assert.Equal(t, tt.wantCode, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}
