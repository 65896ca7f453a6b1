package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/inter-actief/courier/internal/bootstrap"
	"github.com/inter-actief/courier/internal/domain/model"
)

const defaultCommandTimeout = 2 * time.Minute

type sendTestMailOptions struct {
	To             string
	From           string
	Template       string
	TemplateString string
	Language       string
	Context        map[string]any
	Timeout        time.Duration
}

func parseSendTestMailFlags(args []string) (sendTestMailOptions, error) {
	fs := flag.NewFlagSet("send-test-mail", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts sendTestMailOptions
	var rawContext string
	fs.StringVar(&opts.To, "to", "", "Recipient address (required)")
	fs.StringVar(&opts.From, "from", "", "Sender address (defaults to EMAIL_DEFAULT_FROM)")
	fs.StringVar(&opts.Template, "template", "", "Named template, e.g. iamailer/testmail.mail")
	fs.StringVar(&opts.TemplateString, "template-string", "", "Inline template source")
	fs.StringVar(&opts.Language, "language", "", "Render language (nl or en)")
	fs.StringVar(&rawContext, "context", "", "Template context as a JSON object")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the send")

	if err := fs.Parse(args); err != nil {
		return sendTestMailOptions{}, err
	}
	opts.To = strings.TrimSpace(opts.To)
	if opts.To == "" {
		return sendTestMailOptions{}, errors.New("--to is required")
	}
	if opts.Template == "" && opts.TemplateString == "" {
		opts.Template = "iamailer/testmail.mail"
	}
	if rawContext != "" {
		if err := json.Unmarshal([]byte(rawContext), &opts.Context); err != nil {
			return sendTestMailOptions{}, fmt.Errorf("--context: %w", err)
		}
	}
	return opts, nil
}

func runSendTestMail(cmdCtx *commandContext, args []string) error {
	opts, err := parseSendTestMailFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		outcomes, err := svc.Mail.SendDirect(ctx, &model.MailTask{
			From:     opts.From,
			Template: model.TemplateChoice{Name: opts.Template, Source: opts.TemplateString},
			Recipients: []*model.Recipient{{
				To:       []string{opts.To},
				Context:  opts.Context,
				Language: opts.Language,
			}},
		})
		if err != nil {
			return fmt.Errorf("send test mail: %w", err)
		}
		if err := printOutcomes(cmdCtx.Out, outcomes); err != nil {
			return err
		}
		for _, o := range outcomes {
			if !o.Success {
				return fmt.Errorf("delivery to %s failed", o.Target)
			}
		}
		return nil
	})
}

func runCleanDataExports(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("clean-data-exports", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum duration for the sweep")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withServices(cmdCtx, *timeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		deleted, err := svc.Exports.CleanExpired(ctx)
		if err != nil {
			return fmt.Errorf("clean expired exports: %w", err)
		}
		cmdCtx.Logger.InfoContext(ctx, "expired data exports removed", "deleted", deleted)
		return writef(cmdCtx.Out, "Deleted %d expired data export(s)\n", deleted)
	})
}

type requestExportOptions struct {
	PersonID     string
	Applications []model.ApplicationKey
}

func parseRequestExportFlags(args []string) (requestExportOptions, error) {
	fs := flag.NewFlagSet("request-export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts requestExportOptions
	var apps string
	fs.StringVar(&opts.PersonID, "person", "", "Member id the export belongs to")
	fs.StringVar(&apps, "apps", "", "Comma separated backend keys (defaults to every enabled backend)")
	if err := fs.Parse(args); err != nil {
		return requestExportOptions{}, err
	}

	for _, name := range strings.Split(apps, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		var key model.ApplicationKey
		if err := key.UnmarshalText([]byte(name)); err != nil {
			return requestExportOptions{}, fmt.Errorf("--apps: %w", err)
		}
		opts.Applications = append(opts.Applications, key)
	}
	return opts, nil
}

func runRequestExport(cmdCtx *commandContext, args []string) error {
	opts, err := parseRequestExportFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		export, res, err := svc.Exports.RequestExport(ctx, opts.PersonID, opts.Applications)
		if err != nil {
			return fmt.Errorf("request export: %w", err)
		}
		if err := writef(cmdCtx.Out, "Download code: %s\n", export.DownloadCode); err != nil {
			return err
		}
		if err := writef(cmdCtx.Out, "Download URL:  %s\n", svc.Exports.DownloadURL(export.DownloadCode)); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "Workflow:      %s (%d backend(s) scheduled)\n", res.WorkflowID, res.Scheduled)
	})
}

func runExportStatus(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("export-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	code := fs.String("code", "", "Download code of the export (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*code) == "" {
		return errors.New("--code is required")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		view, err := svc.Exports.Status(ctx, strings.TrimSpace(*code))
		if err != nil {
			return fmt.Errorf("export status: %w", err)
		}
		return printExportStatus(cmdCtx.Out, view)
	})
}

type workflowOutcomesOptions struct {
	ID      string
	RawJSON bool
}

func parseWorkflowOutcomesFlags(args []string) (workflowOutcomesOptions, error) {
	fs := flag.NewFlagSet("workflow-outcomes", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts workflowOutcomesOptions
	fs.StringVar(&opts.ID, "id", "", "Workflow id (required)")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the progress document as JSON")
	if err := fs.Parse(args); err != nil {
		return workflowOutcomesOptions{}, err
	}
	if opts.ID = strings.TrimSpace(opts.ID); opts.ID == "" {
		return workflowOutcomesOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func runWorkflowOutcomes(cmdCtx *commandContext, args []string) error {
	opts, err := parseWorkflowOutcomesFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		progress, err := svc.Workflows.Progress(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("load workflow: %w", err)
		}
		if opts.RawJSON {
			enc := json.NewEncoder(cmdCtx.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(progress)
		}
		return printWorkflowProgress(cmdCtx.Out, progress)
	})
}

func printWorkflowProgress(w io.Writer, p *model.WorkflowProgress) error {
	wf := p.Workflow
	state := "running"
	if wf.CompletedAt != nil {
		state = "completed " + wf.CompletedAt.Format(time.RFC3339)
	}
	if err := writef(w, "Workflow %s (%s): %s\n", wf.ID, wf.Kind, state); err != nil {
		return err
	}
	if err := writef(w, "Units: %d total, %d outstanding\n\n", wf.Total, wf.Remaining); err != nil {
		return err
	}
	if err := printOutcomes(w, p.Outcomes); err != nil {
		return err
	}
	summary := model.Summarize(p.Outcomes)
	return writef(w, "\n%d succeeded, %d failed\n", summary.SuccessCount, summary.ErrorCount)
}

func printOutcomes(w io.Writer, outcomes []model.Outcome) error {
	if len(outcomes) == 0 {
		return writeln(w, "(no outcomes recorded)")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "UNIT\tTARGET\tRESULT"); err != nil {
		return err
	}
	for _, o := range outcomes {
		result := "ok"
		if !o.Success {
			result = "error: " + o.Error
		}
		if err := writef(tw, "%s\t%s\t%s\n", o.UnitID, o.Target, result); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printExportStatus(w io.Writer, view *model.ExportStatusView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "APPLICATION\tSTATUS"); err != nil {
		return err
	}
	for _, entry := range view.Applications {
		if err := writef(tw, "%s\t%s\n", entry.Name, entry.Status); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if view.Done {
		return writeln(w, "\nArchive is ready for download.")
	}
	return writeln(w, "\nExport is still running.")
}
