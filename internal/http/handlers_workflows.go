package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/inter-actief/courier/internal/domain/model"
)

// WorkflowReader exposes barrier progress and per-job history.
type WorkflowReader interface {
	Progress(ctx context.Context, workflowID string) (*model.WorkflowProgress, error)
	Results(ctx context.Context, workflowID string) ([]*model.JobResult, error)
}

// WorkflowHandlers serves workflow inspection.
type WorkflowHandlers struct {
	Svc WorkflowReader
}

type workflowResponse struct {
	*model.WorkflowProgress
	Summary model.OutcomeSummary `json:"summary"`
	Results []*model.JobResult   `json:"results"`
}

// Get handles GET /api/workflows/{id}. The summary counts outcomes recorded so far.
func (h *WorkflowHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	progress, err := h.Svc.Progress(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_workflow_failed", Err: errors.New("failed to load workflow")})
		return
	}
	results, err := h.Svc.Results(r.Context(), id)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_workflow_failed", Err: errors.New("failed to load job results")})
		return
	}
	WriteJSON(w, http.StatusOK, workflowResponse{
		WorkflowProgress: progress,
		Summary:          model.Summarize(progress.Outcomes),
		Results:          results,
	})
}
