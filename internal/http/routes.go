package httpx

import (
	"log/slog"
	"net/http"

	"github.com/inter-actief/courier/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs      *service.JobService
	Mail      MailScheduler
	Exports   ExportScheduler
	Workflows WorkflowReader
	// APIToken guards the scheduling and inspection endpoints. Export status
	// and download stay public: the download code is the credential.
	APIToken string
	// Readiness backs GET /readyz.
	Readiness []ReadinessCheck
	Logger    *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()
	protect := RequireToken(services.APIToken)

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readinessHandler(services.Readiness))

	if services.Jobs != nil {
		registerJobRoutes(mux, protect, &JobHandlers{Svc: services.Jobs})
	}
	if services.Mail != nil {
		mux.Handle("POST /api/mail", protect(http.HandlerFunc((&MailHandlers{Svc: services.Mail}).Send)))
	}
	if services.Exports != nil {
		registerExportRoutes(mux, protect, &ExportHandlers{Svc: services.Exports, Logger: services.Logger})
	}
	if services.Workflows != nil {
		h := &WorkflowHandlers{Svc: services.Workflows}
		mux.Handle("GET /api/workflows/{id}", protect(http.HandlerFunc(h.Get)))
	}
	return mux
}

func registerJobRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler, h *JobHandlers) {
	mux.Handle("GET /api/jobs", protect(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/jobs/{type}/stats", protect(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /api/jobs/{id}/status", protect(http.HandlerFunc(h.GetStatus)))
	mux.Handle("DELETE /api/jobs/{id}", protect(http.HandlerFunc(h.Delete)))
}

func registerExportRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler, h *ExportHandlers) {
	mux.Handle("POST /api/exports", protect(http.HandlerFunc(h.Create)))
	mux.HandleFunc("GET /api/exports/{code}", h.Status)
	mux.HandleFunc("GET /api/exports/{code}/download", h.Download)
}
