package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkflows struct {
	progress map[string]*model.WorkflowProgress
	results  []*model.JobResult
}

func (f *fakeWorkflows) Progress(_ context.Context, id string) (*model.WorkflowProgress, error) {
	p, ok := f.progress[id]
	if !ok {
		return nil, fmt.Errorf("load workflow %s: %w", id, data.ErrWorkflowNotFound)
	}
	return p, nil
}

func (f *fakeWorkflows) Results(context.Context, string) ([]*model.JobResult, error) {
	return f.results, nil
}

func TestWorkflowGet(t *testing.T) {
	jobID := "job-1"
	svc := &fakeWorkflows{
		progress: map[string]*model.WorkflowProgress{
			"wf-1": {
				Workflow: &model.Workflow{ID: "wf-1", Kind: model.WorkflowKindMail, AggregateType: model.JobTypeMailReport, Total: 3, Remaining: 1},
				Outcomes: []model.Outcome{
					{UnitID: "mail-0", Target: "a@example.com", Success: true},
					{UnitID: "mail-1", Target: "b@example.com", Error: "bounced"},
				},
			},
		},
		results: []*model.JobResult{{JobID: &jobID, JobType: model.JobTypeMailSend, Result: json.RawMessage(`{"success":true}`)}},
	}
	h := &WorkflowHandlers{Svc: svc}

	r := httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1", nil)
	r.SetPathValue("id", "wf-1")
	w := httptest.NewRecorder()
	h.Get(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Workflow model.Workflow       `json:"workflow"`
		Outcomes []model.Outcome      `json:"outcomes"`
		Summary  model.OutcomeSummary `json:"summary"`
		Results  []model.JobResult    `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Workflow.Remaining)
	assert.Len(t, got.Outcomes, 2)
	assert.Equal(t, model.OutcomeSummary{Total: 2, SuccessCount: 1, ErrorCount: 1}, got.Summary)
	require.Len(t, got.Results, 1)
	assert.Equal(t, model.JobTypeMailSend, got.Results[0].JobType)

	r = httptest.NewRequest(http.MethodGet, "/api/workflows/nope", nil)
	r.SetPathValue("id", "nope")
	w = httptest.NewRecorder()
	h.Get(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func newTestRouter(token string) http.Handler {
	return NewRouter(RouterServices{
		Mail:      &fakeMailScheduler{},
		Exports:   &fakeExports{view: &model.ExportStatusView{Applications: []model.ExportStatusEntry{}}},
		Workflows: &fakeWorkflows{},
		APIToken:  token,
	})
}

func TestRouter_TokenGuardsSchedulingEndpoints(t *testing.T) {
	router := newTestRouter("s3cret")
	mailBody := `{"template_name":"welcome","recipients":[{"to":["a@example.com"]}]}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		want   int
	}{
		{name: "health is public", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{name: "health HEAD", method: http.MethodHead, path: "/healthz", want: http.StatusOK},
		{name: "mail without token", method: http.MethodPost, path: "/api/mail", body: mailBody, want: http.StatusUnauthorized},
		{name: "mail wrong token", method: http.MethodPost, path: "/api/mail", body: mailBody, auth: "Bearer nope", want: http.StatusUnauthorized},
		{name: "mail with token", method: http.MethodPost, path: "/api/mail", body: mailBody, auth: "Bearer s3cret", want: http.StatusAccepted},
		{name: "scheme is case-insensitive", method: http.MethodPost, path: "/api/mail", body: mailBody, auth: "bearer s3cret", want: http.StatusAccepted},
		{name: "export request needs token", method: http.MethodPost, path: "/api/exports", body: `{}`, want: http.StatusUnauthorized},
		{name: "export status is public", method: http.MethodGet, path: "/api/exports/code-1", want: http.StatusOK},
		{name: "download is public", method: http.MethodGet, path: "/api/exports/missing/download", want: http.StatusNotFound},
		{name: "workflow needs token", method: http.MethodGet, path: "/api/workflows/wf-1", want: http.StatusUnauthorized},
		{name: "wrong method", method: http.MethodGet, path: "/api/mail", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestRouter_EmptyTokenDisablesAuth(t *testing.T) {
	router := newTestRouter("")
	r := httptest.NewRequest(http.MethodPost, "/api/mail",
		strings.NewReader(`{"template_string":"Hi","recipients":[{"to":["a@example.com"]}]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusAccepted, w.Code)
}
