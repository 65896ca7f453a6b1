package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/http/validation"
)

const (
	maxTemplateNameLen = 200
	maxAddressLen      = 320
)

// MailScheduler schedules bulk mail workflows.
type MailScheduler interface {
	SendMails(ctx context.Context, task *model.MailTask) (*model.SubmitResult, error)
}

// MailHandlers serves the bulk mail API.
type MailHandlers struct {
	Svc MailScheduler
}

type mailRequest struct {
	From           string                   `json:"from"`
	TemplateName   string                   `json:"template_name"`
	TemplateString string                   `json:"template_string"`
	ReportTo       string                   `json:"report_to"`
	ReportLanguage string                   `json:"report_language"`
	ReportAlways   bool                     `json:"report_always"`
	Recipients     []model.RecipientPayload `json:"recipients"`
}

func (m *mailRequest) validate() validation.Errors {
	errs := validation.Errors{}.
		Check("from", m.From, validation.MaxLen("From", maxAddressLen), validation.Address("From")).
		Check("template_name", m.TemplateName, validation.MaxLen("Template name", maxTemplateNameLen)).
		Check("report_to", m.ReportTo, validation.MaxLen("Report address", maxAddressLen), validation.Address("Report address")).
		Check("report_language", m.ReportLanguage, validation.Language("Report language"))

	if err := (model.TemplateChoice{Name: m.TemplateName, Source: m.TemplateString}).Validate(); err != nil {
		errs.Add("template", "Exactly one of template_name and template_string is required.")
	}
	for i, r := range m.Recipients {
		field := fmt.Sprintf("recipients[%d]", i)
		if len(r.To) == 0 {
			errs.Add(field+".to", "At least one to address is required.")
		}
		for _, addrs := range [][]string{r.To, r.CC, r.BCC} {
			for _, addr := range addrs {
				errs.Check(field+".address", addr, validation.Address("Recipient address"))
			}
		}
		errs.Check(field+".language", r.Language, validation.Language("Language"))
	}
	return errs
}

func (m *mailRequest) task() *model.MailTask {
	task := &model.MailTask{
		From:           strings.TrimSpace(m.From),
		Template:       model.TemplateChoice{Name: strings.TrimSpace(m.TemplateName), Source: m.TemplateString},
		ReportTo:       strings.TrimSpace(m.ReportTo),
		ReportLanguage: m.ReportLanguage,
		ReportAlways:   m.ReportAlways,
		Recipients:     make([]*model.Recipient, 0, len(m.Recipients)),
	}
	for _, r := range m.Recipients {
		task.Recipients = append(task.Recipients, &model.Recipient{
			To:          r.To,
			CC:          r.CC,
			BCC:         r.BCC,
			Headers:     r.Headers,
			Context:     r.Context,
			Language:    r.Language,
			Attachments: r.Attachments,
		})
	}
	return task
}

// Send handles POST /api/mail. The workflow is scheduled and 202 returned
// before anything is delivered.
func (h *MailHandlers) Send(w http.ResponseWriter, r *http.Request) {
	var req mailRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if errs := req.validate(); !errs.OK() {
		writeValidationErrors(w, errs)
		return
	}

	res, err := h.Svc.SendMails(r.Context(), req.task())
	if err != nil {
		writeServiceError(w, err, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "schedule_failed", Err: errors.New("failed to schedule mail")})
		return
	}
	WriteJSON(w, http.StatusAccepted, res)
}

func writeValidationErrors(w http.ResponseWriter, errs validation.Errors) {
	WriteJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation_failed",
		"message": "request has invalid fields",
		"fields":  errs,
	})
}
