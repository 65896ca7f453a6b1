// Package httpx provides the HTTP API for scheduling mail and data exports and
// for inspecting the job queue behind them.
package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/service"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc *service.JobService
}

// List handles GET /api/jobs with optional type, status and workflow_id filters.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultJobListLimit, maxJobListLimit)
	opts := &model.JobListOptions{Limit: limit, Offset: offset}

	q := r.URL.Query()
	if v := q.Get("type"); v != "" {
		jobType := model.JobType(v)
		if !jobType.Valid() {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_type", Err: fmt.Errorf("unknown job type %q", v)})
			return
		}
		opts.Type = &jobType
	}
	if v := q.Get("status"); v != "" {
		status := model.JobStatus(v)
		if !status.Valid() {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_status", Err: fmt.Errorf("unknown job status %q", v)})
			return
		}
		opts.Status = &status
	}
	if v := q.Get("workflow_id"); v != "" {
		opts.WorkflowID = &v
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_failed", Err: errors.New("failed to list jobs")})
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// Stats handles HTTP requests to retrieve job stats for a job type.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	jobType := model.JobType(r.PathValue("type"))
	if !jobType.Valid() {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: fmt.Errorf("unknown job type %q", jobType)},
		)
		return
	}

	stats, err := h.Svc.Stats(r.Context(), jobType)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetStatus handles HTTP requests to retrieve the status of a specific job.
func (h *JobHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")},
		)
		return
	}

	status, err := h.Svc.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")},
			)
		} else {
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_status_failed", Err: errors.New("failed to get job status")})
		}
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// Delete removes a job that is not currently leased.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	err := h.Svc.Delete(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, data.ErrJobNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")})
	case errors.Is(err, data.ErrJobNotDeletable), errors.Is(err, data.ErrJobReserved):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "job_not_deletable", Err: err})
	case jobID == "":
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: err})
	default:
		writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "delete_failed", Err: errors.New("failed to delete job")})
	}
}
