package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/mailer"
	"github.com/inter-actief/courier/internal/observability/statsd"
)

// Built-in template names.
const (
	ReportTemplate         = "iamailer/report.mail"
	ExportCompleteTemplate = "data_export/export_complete.mail"
	TestMailTemplate       = "iamailer/testmail.mail"
)

const (
	// DefaultMailDelay is the pause after every send attempt.
	DefaultMailDelay = 5 * time.Second
	// DefaultMailSendRetries bounds redelivery of a mail_send job. Send failures
	// are outcomes, so retries only cover the barrier write.
	DefaultMailSendRetries = 3
	reportGuardPrefix      = "courier:report:"
	reportGuardTTL         = 10 * time.Minute
)

// ErrNoRecipients is returned when a mail task has nobody to send to.
var ErrNoRecipients = errors.New("mail task has no recipients")

// MailServiceOptions groups dependencies for MailService.
type MailServiceOptions struct {
	Workflows *WorkflowService      // Required: barrier
	Renderer  *mailer.Renderer      // Required: template renderer
	Sender    mailer.Sender         // Required: delivery backend
	Cache     core.CacheRepository  // Optional: guards concurrent report sends
	GuardTTL  time.Duration         // Optional: report guard lifetime, defaults to 10m
	From      string                // Optional: default sender for reports and notifications
	Compose   mailer.ComposeOptions // Optional: intercept and return path
	Delay     time.Duration         // Optional: pause after each send; zero disables
	Logger    *slog.Logger          // Optional: structured logger
	Metrics   statsd.Sink           // Optional: metrics sink

	// Sleep replaces the context-aware delay, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// MailService schedules bulk mail, sends single messages and reports on the result.
type MailService struct {
	workflows *WorkflowService
	renderer  *mailer.Renderer
	sender    mailer.Sender
	guard     *core.OnceGuard
	from      string
	compose   mailer.ComposeOptions
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewMailService constructs a MailService.
func NewMailService(opts MailServiceOptions) (*MailService, error) {
	if opts.Workflows == nil {
		return nil, errors.New("WorkflowService is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("mail Renderer is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("mail Sender is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guardTTL := opts.GuardTTL
	if guardTTL <= 0 {
		guardTTL = reportGuardTTL
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &MailService{
		workflows: opts.Workflows,
		renderer:  opts.Renderer,
		sender:    opts.Sender,
		guard:     core.NewOnceGuard(opts.Cache, reportGuardPrefix, guardTTL),
		from:      opts.From,
		compose:   opts.Compose,
		delay:     opts.Delay,
		sleep:     sleep,
		logger:    logger.With("component", "mail_service"),
		metrics:   opts.Metrics,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultFrom is the sender used for reports and notifications.
func (s *MailService) DefaultFrom() string { return s.from }

// withSender returns task with the default sender filled in. The caller's
// task is never modified.
func (s *MailService) withSender(task *model.MailTask) *model.MailTask {
	if task.From != "" {
		return task
	}
	cp := *task
	cp.From = s.from
	return &cp
}

// SendMails validates the task and schedules one mail_send job per recipient
// plus a mail_report aggregate. Configuration errors surface here, before
// anything is scheduled.
func (s *MailService) SendMails(ctx context.Context, task *model.MailTask) (*model.SubmitResult, error) {
	if task == nil {
		return nil, errors.New("mail task is required")
	}
	task = s.withSender(task)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if len(task.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	workflowID := uuid.NewString()
	templatePayload := model.MailTemplatePayload{From: task.From, Template: task.Template}
	units := make([]model.UnitSubmission, 0, len(task.Recipients))
	for i, r := range task.Recipients {
		if err := mailer.CheckContext(r.Context); err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		rcpt, err := r.Payload()
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		unitID := fmt.Sprintf("mail-%d", i)
		raw, err := json.Marshal(model.MailSendPayload{
			WorkflowID: workflowID,
			UnitID:     unitID,
			Task:       templatePayload,
			Recipient:  rcpt,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal mail_send payload: %w", err)
		}
		units = append(units, model.UnitSubmission{
			Unit: model.WorkflowUnit{UnitID: unitID, Target: rcpt.Target()},
			Job: model.CreateJobRequest{
				Type:       model.JobTypeMailSend,
				Payload:    raw,
				MaxRetries: DefaultMailSendRetries,
			},
		})
	}

	report, err := json.Marshal(model.MailReportPayload{
		WorkflowID:     workflowID,
		From:           task.From,
		ReportTo:       task.ReportTo,
		ReportLanguage: task.ReportLanguage,
		ReportAlways:   task.ReportAlways,
		TemplateName:   task.Template.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal mail_report payload: %w", err)
	}

	wf, err := s.workflows.Submit(ctx, &model.SubmitWorkflowRequest{
		ID:    workflowID,
		Kind:  model.WorkflowKindMail,
		Units: units,
		Aggregate: model.CreateJobRequest{
			Type:       model.JobTypeMailReport,
			Payload:    report,
			MaxRetries: DefaultMailSendRetries,
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "mail workflow scheduled",
		"workflow_id", wf.ID,
		"recipients", wf.Total,
		"template", task.Template.Name,
	)
	return &model.SubmitResult{WorkflowID: wf.ID, Scheduled: wf.Total}, nil
}

// SendSingle renders and sends one recipient's message, then waits the
// configured delay whatever the result. Failures are returned as outcomes.
func (s *MailService) SendSingle(ctx context.Context, unit *model.MailSendPayload) model.Outcome {
	out := s.deliver(ctx, unit.UnitID, unit.Task, &unit.Recipient)
	if err := s.sleep(ctx, s.delay); err != nil {
		s.logger.DebugContext(ctx, "mail delay interrupted", "error", err)
	}
	return out
}

func (s *MailService) deliver(ctx context.Context, unitID string, task model.MailTemplatePayload, rcpt *model.RecipientPayload) model.Outcome {
	out := model.Outcome{UnitID: unitID, Target: rcpt.Target()}
	err := s.send(ctx, task, rcpt)
	if err != nil {
		out.Error = err.Error()
		s.logger.WarnContext(ctx, "mail not sent",
			"unit_id", unitID,
			"target", out.Target,
			"error", err,
		)
		s.count("mail.failed", task)
		return out
	}
	out.Success = true
	s.count("mail.sent", task)
	return out
}

func (s *MailService) send(ctx context.Context, task model.MailTemplatePayload, rcpt *model.RecipientPayload) error {
	if err := mailer.CheckContext(rcpt.Context); err != nil {
		return err
	}
	rendered, err := s.renderer.Render(mailer.RenderRequest{
		Template: task.Template,
		Context:  rcpt.Context,
		Language: rcpt.Language,
	})
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	msg := mailer.Compose(task.From, rcpt, rendered, s.compose)
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *MailService) count(name string, task model.MailTemplatePayload) {
	if s.metrics == nil {
		return
	}
	tmpl := task.Template.Name
	if tmpl == "" {
		tmpl = "inline"
	}
	s.metrics.Count(name, 1, map[string]string{"template": tmpl})
}

// SendDirect sends every recipient of task in-process, without scheduling.
// The delay applies between recipients only.
func (s *MailService) SendDirect(ctx context.Context, task *model.MailTask) ([]model.Outcome, error) {
	if task == nil {
		return nil, errors.New("mail task is required")
	}
	task = s.withSender(task)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	tp := model.MailTemplatePayload{From: task.From, Template: task.Template}
	outcomes := make([]model.Outcome, 0, len(task.Recipients))
	for i, r := range task.Recipients {
		if i > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return outcomes, err
			}
		}
		rcpt, err := r.Payload()
		if err != nil {
			return outcomes, fmt.Errorf("recipient %d: %w", i, err)
		}
		outcomes = append(outcomes, s.deliver(ctx, fmt.Sprintf("direct-%d", i), tp, &rcpt))
	}
	return outcomes, nil
}

// DeliveryReport summarizes the outcomes of a mail workflow and mails the
// report when one was requested and is due. A report that cannot be sent is
// an error so the aggregate job is retried.
func (s *MailService) DeliveryReport(ctx context.Context, p *model.MailReportPayload, outcomes model.OutcomeList) (*model.DeliverySummary, error) {
	all := model.Normalize(outcomes)
	summary := &model.DeliverySummary{OutcomeSummary: model.Summarize(all)}
	for _, o := range all {
		if !o.Success {
			summary.Failed = append(summary.Failed, o)
		}
	}
	s.logger.InfoContext(ctx, "mail workflow delivered",
		"workflow_id", p.WorkflowID,
		"total", summary.Total,
		"success", summary.SuccessCount,
		"errors", summary.ErrorCount,
	)

	if p.ReportTo == "" || (!p.ReportAlways && summary.ErrorCount == 0) {
		return summary, nil
	}

	claimed, err := s.guard.Claim(ctx, p.WorkflowID)
	if err != nil {
		s.logger.WarnContext(ctx, "report guard unavailable", "workflow_id", p.WorkflowID, "error", err)
		claimed = true
	}
	if !claimed {
		s.logger.InfoContext(ctx, "report already being sent", "workflow_id", p.WorkflowID)
		return summary, nil
	}

	if err := s.sendReport(ctx, p, summary); err != nil {
		if relErr := s.guard.Release(ctx, p.WorkflowID); relErr != nil {
			s.logger.WarnContext(ctx, "release report guard", "workflow_id", p.WorkflowID, "error", relErr)
		}
		return summary, err
	}
	summary.ReportSent = true
	return summary, nil
}

func (s *MailService) sendReport(ctx context.Context, p *model.MailReportPayload, summary *model.DeliverySummary) error {
	failed := make([]map[string]any, 0, len(summary.Failed))
	for _, o := range summary.Failed {
		failed = append(failed, map[string]any{"target": o.Target, "error": o.Error})
	}
	from := p.From
	if from == "" {
		from = s.from
	}
	res, err := s.SendDirect(ctx, &model.MailTask{
		From:     from,
		Template: model.TemplateChoice{Name: ReportTemplate},
		Recipients: []*model.Recipient{{
			To:       []string{p.ReportTo},
			Language: p.ReportLanguage,
			Context: map[string]any{
				"total":         summary.Total,
				"success_count": summary.SuccessCount,
				"error_count":   summary.ErrorCount,
				"failed":        failed,
				"workflow_id":   p.WorkflowID,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("delivery report: %w", err)
	}
	for _, o := range res {
		if !o.Success {
			return fmt.Errorf("delivery report to %s: %s", o.Target, o.Error)
		}
	}
	return nil
}

// ProcessSendJob handles a mail_send job: send, then report the outcome to
// the barrier. A redelivered unit that already reported sends nothing, and
// one whose earlier attempt sent but did not report re-reports that attempt.
func (s *MailService) ProcessSendJob(ctx context.Context, job *model.Job) error {
	var p model.MailSendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode mail_send payload: %w", err)
	}
	prior, err := s.workflows.Reported(ctx, p.WorkflowID, p.UnitID)
	if err != nil {
		return err
	}
	if prior != nil {
		s.logger.InfoContext(ctx, "mail unit already reported",
			"workflow_id", p.WorkflowID,
			"unit_id", p.UnitID,
			"success", prior.Success,
		)
		return nil
	}
	if sent := s.workflows.SucceededBefore(ctx, job); sent != nil {
		s.logger.InfoContext(ctx, "re-reporting earlier delivery", "workflow_id", p.WorkflowID, "unit_id", p.UnitID)
		_, err := s.workflows.Report(ctx, p.WorkflowID, *sent)
		return err
	}
	started := time.Now()
	out := s.SendSingle(ctx, &p)
	s.workflows.RecordAttempt(ctx, job, out, started)
	if _, err := s.workflows.Report(ctx, p.WorkflowID, out); err != nil {
		return err
	}
	return nil
}

// ProcessReportJob handles a mail_report job. A workflow already marked
// complete is not reported again.
func (s *MailService) ProcessReportJob(ctx context.Context, job *model.Job) error {
	var p model.MailReportPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode mail_report payload: %w", err)
	}
	wf, outcomes, err := s.workflows.Collect(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.CompletedAt != nil {
		s.logger.InfoContext(ctx, "mail workflow already reported", "workflow_id", wf.ID)
		return nil
	}
	summary, err := s.DeliveryReport(ctx, &p, outcomes)
	if err != nil {
		return err
	}
	s.workflows.RecordResult(ctx, job, summary)
	if _, err := s.workflows.MarkComplete(ctx, wf.ID); err != nil {
		return fmt.Errorf("mark workflow complete: %w", err)
	}
	return nil
}
