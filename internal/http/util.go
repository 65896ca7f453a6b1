package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	apperrors "github.com/inter-actief/courier/internal/errors"
	"github.com/inter-actief/courier/internal/mailer"
	"github.com/inter-actief/courier/internal/service"
)

// apiErrors maps courier sentinels to API errors. Store errors that escape
// the services are classified by apperrors.MapDBError.
var apiErrors = apperrors.NewClassifier( //nolint:gochecknoglobals // read-only
	apperrors.Rule{Target: service.ErrExportExists, Code: apperrors.ErrCodeConflict, Reason: "export_exists"},
	apperrors.Rule{Target: service.ErrExportNotFound, Code: apperrors.ErrCodeNotFound, Reason: "export_not_found"},
	apperrors.Rule{Target: data.ErrWorkflowNotFound, Code: apperrors.ErrCodeNotFound, Reason: "workflow_not_found"},
	apperrors.Rule{Target: service.ErrNoBackends, Code: apperrors.ErrCodeUnavailable, Reason: "no_backends"},
	apperrors.Rule{Target: model.ErrTemplateChoice, Code: apperrors.ErrCodeValidation, Reason: "template_choice"},
	apperrors.Rule{Target: mailer.ErrReservedKey, Code: apperrors.ErrCodeValidation, Reason: "reserved_key"},
	apperrors.Rule{Target: model.ErrUnknownApplication, Code: apperrors.ErrCodeValidation, Reason: "unknown_application"},
	apperrors.Rule{Target: service.ErrNoRecipients, Code: apperrors.ErrCodeValidation, Reason: "no_recipients"},
)

// validationErrorPatterns catch validation errors that are not sentinels.
var validationErrorPatterns = []string{ //nolint:gochecknoglobals // read-only cache of patterns to avoid per-call allocations
	"is required",
	"cannot be empty",
	"must be one of:",
}

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
// - defLimit: default limit when not specified
// - maxLimit: maximum allowed limit (values > maxLimit are clamped to maxLimit).
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	// Defensive: ensure maxLimit is at least 1 to avoid clamping to 0 or negatives
	if maxLimit < 1 {
		maxLimit = 1
	}

	lim := parseIntQuery(r, "limit", defLimit)
	off := parseIntQuery(r, "offset", 0)
	if lim < 1 {
		lim = 1
	}
	if lim > maxLimit {
		lim = maxLimit
	}
	if off < 0 {
		off = 0
	}
	return lim, off
}

// isValidationMessage reports task errors that carry no sentinel, such as a
// missing sender address.
func isValidationMessage(err error) bool {
	msg := err.Error()
	for _, p := range validationErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// errorStatus maps AppError codes to HTTP status codes.
var errorStatus = map[apperrors.ErrorCode]int{ //nolint:gochecknoglobals // read-only
	apperrors.ErrCodeNotFound:    http.StatusNotFound,
	apperrors.ErrCodeConflict:    http.StatusConflict,
	apperrors.ErrCodeForeignKey:  http.StatusConflict,
	apperrors.ErrCodeValidation:  http.StatusBadRequest,
	apperrors.ErrCodeUnavailable: http.StatusServiceUnavailable,
	apperrors.ErrCodeTimeout:     http.StatusGatewayTimeout,
}

// writeServiceError answers with the classified error. Errors that do not map
// to a known code are written as fallback, so raw driver messages never
// reach the client.
func writeServiceError(w http.ResponseWriter, err error, fallback ErrorParams) {
	if appErr := apiErrors.Classify(err); appErr != nil {
		if code, ok := errorStatus[appErr.Code]; ok {
			WriteError(w, ErrorParams{Code: code, ErrCode: appErr.ErrorReason(), Err: errors.New(appErr.Message)})
			return
		}
	}
	if err != nil && isValidationMessage(err) {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: string(apperrors.ErrCodeValidation), Err: err})
		return
	}
	WriteError(w, fallback)
}
