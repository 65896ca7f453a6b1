//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTemplateChoice is returned when neither or both of a template name and
// an inline template string are given.
var ErrTemplateChoice = errors.New("exactly one of template name or template string is required")

// TemplateChoice selects a template by name or by inline source.
type TemplateChoice struct {
	Name   string `json:"template_name,omitempty"`
	Source string `json:"template_string,omitempty"`
}

// Validate enforces exactly one of Name and Source.
func (c TemplateChoice) Validate() error {
	hasName := strings.TrimSpace(c.Name) != ""
	hasSource := strings.TrimSpace(c.Source) != ""
	if hasName == hasSource {
		return ErrTemplateChoice
	}
	return nil
}

// Attachment is a file attached to one recipient's message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Recipient is one addressee of a MailTask, with its own template context.
type Recipient struct {
	To          []string
	CC          []string
	BCC         []string
	Headers     map[string]string
	Context     map[string]any
	Language    string
	Attachments []Attachment
}

// RecipientPayload is the plain, queue-safe form of a Recipient.
type RecipientPayload struct {
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
	Language    string            `json:"language,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Payload returns a deep copy of the recipient that shares no memory with it.
// The copy goes through JSON so a context that cannot cross the queue fails here.
func (r *Recipient) Payload() (RecipientPayload, error) {
	raw, err := json.Marshal(RecipientPayload{
		To:          r.To,
		CC:          r.CC,
		BCC:         r.BCC,
		Headers:     r.Headers,
		Context:     r.Context,
		Language:    r.Language,
		Attachments: r.Attachments,
	})
	if err != nil {
		return RecipientPayload{}, fmt.Errorf("recipient payload: %w", err)
	}
	var p RecipientPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return RecipientPayload{}, fmt.Errorf("recipient payload: %w", err)
	}
	return p, nil
}

// Target names the recipient in outcomes and reports.
func (p *RecipientPayload) Target() string {
	return strings.Join(p.To, ", ")
}

// MailTask is a bulk send: one template rendered per recipient.
type MailTask struct {
	From           string
	Template       TemplateChoice
	ReportTo       string
	ReportLanguage string
	ReportAlways   bool
	Recipients     []*Recipient
}

// Validate checks task-wide configuration. It runs before any unit is scheduled.
func (t *MailTask) Validate() error {
	if err := t.Template.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.From) == "" {
		return errors.New("from address is required")
	}
	for i, r := range t.Recipients {
		if r == nil || len(r.To) == 0 {
			return fmt.Errorf("recipient %d: at least one to address is required", i)
		}
	}
	return nil
}

// MailTemplatePayload carries the task-wide rendering parameters to each unit.
type MailTemplatePayload struct {
	From     string         `json:"from"`
	Template TemplateChoice `json:"template"`
}

// MailSendPayload is the payload of a mail_send job.
type MailSendPayload struct {
	WorkflowID string              `json:"workflow_id"`
	UnitID     string              `json:"unit_id"`
	Task       MailTemplatePayload `json:"task"`
	Recipient  RecipientPayload    `json:"recipient"`
}

// MailReportPayload is the payload of a mail_report job.
type MailReportPayload struct {
	WorkflowID     string `json:"workflow_id"`
	From           string `json:"from"`
	ReportTo       string `json:"report_to,omitempty"`
	ReportLanguage string `json:"report_language,omitempty"`
	ReportAlways   bool   `json:"report_always"`
	TemplateName   string `json:"template_name,omitempty"`
}

// ExportRunPayload is the payload of an export_run job.
type ExportRunPayload struct {
	WorkflowID  string         `json:"workflow_id"`
	UnitID      string         `json:"unit_id"`
	ExportID    string         `json:"export_id"`
	Application ApplicationKey `json:"application"`
}

// ExportZipPayload is the payload of an export_zip job.
type ExportZipPayload struct {
	WorkflowID string `json:"workflow_id"`
	ExportID   string `json:"export_id"`
}

// ExportNotifyPayload is the payload of an export_notify job.
type ExportNotifyPayload struct {
	ExportID string `json:"export_id"`
}

// SubmitResult is returned by orchestrators. They never wait for units.
type SubmitResult struct {
	WorkflowID string `json:"workflow_id"`
	Scheduled  int    `json:"scheduled"`
}

// DeliverySummary is the mail aggregator's result.
type DeliverySummary struct {
	OutcomeSummary

	Failed     []Outcome `json:"failed,omitempty"`
	ReportSent bool      `json:"report_sent"`
}

// Person is an addressable identity from the member directory.
type Person struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	PreferredLanguage string `json:"preferred_language"`
	ADName            string `json:"ad_name,omitempty"`
	StudentNumber     string `json:"student_number,omitempty"`
	EmployeeNumber    string `json:"employee_number,omitempty"`
}
