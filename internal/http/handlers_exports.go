package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/service"
)

// ExportScheduler requests data exports and serves their results.
type ExportScheduler interface {
	RequestExport(ctx context.Context, personID string, apps []model.ApplicationKey) (*model.DataExport, *model.SubmitResult, error)
	Status(ctx context.Context, code string) (*model.ExportStatusView, error)
	Download(ctx context.Context, code string) (*service.Download, error)
}

// ExportHandlers serves the data export API.
type ExportHandlers struct {
	Svc    ExportScheduler
	Logger *slog.Logger
}

type exportRequest struct {
	PersonID     string                 `json:"person_id"`
	Applications []model.ApplicationKey `json:"applications"`
}

type exportResponse struct {
	DownloadCode string `json:"download_code"`
	WorkflowID   string `json:"workflow_id"`
	Scheduled    int    `json:"scheduled"`
}

// Create handles POST /api/exports.
func (h *ExportHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	export, res, err := h.Svc.RequestExport(r.Context(), req.PersonID, req.Applications)
	if err != nil {
		writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "schedule_failed", Err: errors.New("failed to schedule export")})
		return
	}

	WriteJSON(w, http.StatusAccepted, exportResponse{
		DownloadCode: export.DownloadCode,
		WorkflowID:   res.WorkflowID,
		Scheduled:    res.Scheduled,
	})
}

// Status handles GET /api/exports/{code}.
func (h *ExportHandlers) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.Svc.Status(r.Context(), r.PathValue("code"))
	if err != nil {
		writeExportLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Download handles GET /api/exports/{code}/download and streams the archive.
func (h *ExportHandlers) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.Svc.Download(r.Context(), r.PathValue("code"))
	if err != nil {
		writeExportLookupError(w, err)
		return
	}
	defer func() { _ = dl.Body.Close() }()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil && h.Logger != nil {
		h.Logger.WarnContext(r.Context(), "export download interrupted", "filename", dl.Filename, "error", err)
	}
}

func writeExportLookupError(w http.ResponseWriter, err error) {
	writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "lookup_failed", Err: errors.New("failed to load export")})
}
