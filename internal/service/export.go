package service

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inter-actief/courier/internal/artifact"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/exporter"
	"github.com/inter-actief/courier/internal/observability/statsd"
)

var (
	// ErrExportExists is returned when a person already has a live export.
	ErrExportExists = errors.New("a data export already exists for this person")
	// ErrExportNotFound is returned for unknown, unfinished or expired downloads.
	ErrExportNotFound = errors.New("data export not found")
	// ErrNoBackends is returned when an export would have no units.
	ErrNoBackends = errors.New("no export backends enabled")
)

const (
	// DefaultExportAggregateRetries bounds redelivery of export_zip and export_notify jobs.
	DefaultExportAggregateRetries = 3
	expiredBatchSize              = 100
	expiresOnLayout               = "2006-01-02 15:04"
)

// ExportServiceOptions groups dependencies for ExportService.
type ExportServiceOptions struct {
	Exports     core.DataExportRepository // Required: export persistence
	Workflows   *WorkflowService          // Required: barrier
	Registry    *exporter.Registry        // Required: backend adapters
	Store       artifact.Store            // Required: delivery archives
	Mail        *MailService              // Required for notifications
	Directory   core.PersonDirectory      // Optional: owner lookup for adapters and notifications
	StatusCache *core.ExportStatusCache   // Optional: status polling cache
	PublicURL   string                    // Optional: base URL used in download links
	Now         func() time.Time          // Optional: clock override
	Logger      *slog.Logger              // Optional: structured logger
	Metrics     statsd.Sink               // Optional: metrics sink
}

// ExportService runs personal data exports across every registered backend.
type ExportService struct {
	exports   core.DataExportRepository
	workflows *WorkflowService
	registry  *exporter.Registry
	store     artifact.Store
	mail      *MailService
	directory core.PersonDirectory
	cache     *core.ExportStatusCache
	publicURL string
	now       func() time.Time
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewExportService constructs an ExportService.
func NewExportService(opts ExportServiceOptions) (*ExportService, error) {
	if opts.Exports == nil {
		return nil, errors.New("DataExportRepository is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("WorkflowService is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("exporter Registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ExportService{
		exports:   opts.Exports,
		workflows: opts.Workflows,
		registry:  opts.Registry,
		store:     opts.Store,
		mail:      opts.Mail,
		directory: opts.Directory,
		cache:     opts.StatusCache,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		now:       now,
		logger:    logger.With("component", "export_service"),
		metrics:   opts.Metrics,
	}, nil
}

// RequestExport creates an export for personID and schedules it. An empty
// application list means every enabled backend. A previous export of the
// same person is replaced only when it has expired.
func (s *ExportService) RequestExport(
	ctx context.Context,
	personID string,
	apps []model.ApplicationKey,
) (*model.DataExport, *model.SubmitResult, error) {
	apps, err := s.resolveApplications(apps)
	if err != nil {
		return nil, nil, err
	}

	var owner *string
	if personID = strings.TrimSpace(personID); personID != "" {
		owner = &personID
		if err := s.replaceExpired(ctx, personID); err != nil {
			return nil, nil, err
		}
	}

	export, err := s.exports.Create(ctx, core.CreateDataExportParams{PersonID: owner, Applications: apps})
	if errors.Is(err, data.ErrDataExportExists) {
		return nil, nil, ErrExportExists
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create data export: %w", err)
	}
	s.logger.InfoContext(ctx, "data export requested",
		"export_id", export.ID,
		"download_code", export.DownloadCode,
		"applications", len(apps),
	)

	res, err := s.ExportData(ctx, export.ID)
	if err != nil {
		// Nothing was scheduled, so the row would only block the next request.
		if _, delErr := s.exports.Delete(context.WithoutCancel(ctx), export.ID); delErr != nil {
			s.logger.ErrorContext(ctx, "discard unscheduled data export", "export_id", export.ID, "error", delErr)
		}
		return nil, nil, err
	}
	return export, res, nil
}

func (s *ExportService) resolveApplications(apps []model.ApplicationKey) ([]model.ApplicationKey, error) {
	enabled := s.registry.Enabled()
	if len(apps) == 0 {
		apps = enabled
	}
	if len(apps) == 0 {
		return nil, ErrNoBackends
	}
	seen := make(map[model.ApplicationKey]struct{}, len(apps))
	out := make([]model.ApplicationKey, 0, len(apps))
	for _, key := range apps {
		if !key.Valid() || !slices.Contains(enabled, key) {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownApplication, key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

func (s *ExportService) replaceExpired(ctx context.Context, personID string) error {
	existing, err := s.exports.GetByPersonID(ctx, personID)
	if errors.Is(err, data.ErrDataExportNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up existing export: %w", err)
	}
	if !existing.IsExpired(s.now()) {
		return ErrExportExists
	}
	s.logger.InfoContext(ctx, "replacing expired data export", "export_id", existing.ID)
	return s.deleteExport(ctx, existing)
}

// ExportData schedules one export_run unit per status row and the export_zip
// aggregate.
func (s *ExportService) ExportData(ctx context.Context, exportID string) (*model.SubmitResult, error) {
	statuses, err := s.exports.ListStatuses(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, ErrNoBackends
	}

	wfID := uuid.NewString()
	units := make([]model.UnitSubmission, 0, len(statuses))
	for _, st := range statuses {
		unitID := string(st.Application)
		raw, err := json.Marshal(model.ExportRunPayload{
			WorkflowID:  wfID,
			UnitID:      unitID,
			ExportID:    exportID,
			Application: st.Application,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal export_run payload: %w", err)
		}
		retries := exporter.DefaultMaxRetries
		if settings, ok := s.registry.Settings(st.Application); ok {
			retries = settings.MaxRetries
		}
		units = append(units, model.UnitSubmission{
			Unit: model.WorkflowUnit{UnitID: unitID, Target: string(st.Application)},
			Job:  model.CreateJobRequest{Type: model.JobTypeExportRun, Payload: raw, MaxRetries: retries},
		})
	}
	agg, err := json.Marshal(model.ExportZipPayload{WorkflowID: wfID, ExportID: exportID})
	if err != nil {
		return nil, fmt.Errorf("marshal export_zip payload: %w", err)
	}

	wf, err := s.workflows.Submit(ctx, &model.SubmitWorkflowRequest{
		ID:    wfID,
		Kind:  model.WorkflowKindExport,
		Units: units,
		Aggregate: model.CreateJobRequest{
			Type:       model.JobTypeExportZip,
			Payload:    agg,
			MaxRetries: DefaultExportAggregateRetries,
		},
	})
	if err != nil {
		return nil, err
	}
	return &model.SubmitResult{WorkflowID: wf.ID, Scheduled: wf.Total}, nil
}

// ExecuteExporter runs one backend for one export. A row that is already
// terminal returns its recorded outcome. A failed attempt that is not final
// returns an error and leaves the row RUNNING for the retry.
func (s *ExportService) ExecuteExporter(ctx context.Context, unit *model.ExportRunPayload, final bool) (model.Outcome, error) {
	export, err := s.exports.GetByID(ctx, unit.ExportID)
	if errors.Is(err, data.ErrDataExportNotFound) {
		return model.Outcome{UnitID: unit.UnitID, Target: string(unit.Application), Error: err.Error()}, nil
	}
	if err != nil {
		return model.Outcome{}, err
	}

	row, started, err := s.exports.BeginUnit(ctx, core.BeginUnitParams{ExportID: export.ID, Application: unit.Application})
	if err != nil {
		return model.Outcome{}, fmt.Errorf("begin %s: %w", unit.Application, err)
	}
	if !started {
		s.logger.InfoContext(ctx, "export unit already finished",
			"export_id", export.ID,
			"application", unit.Application,
			"status", row.Status.String(),
		)
		return row.Outcome(unit.UnitID), nil
	}
	s.invalidate(ctx, export.DownloadCode)

	start := time.Now()
	res, runErr := s.run(ctx, export, unit.Application)
	if runErr != nil && !errors.Is(runErr, errInitFailed) && !final {
		s.logger.WarnContext(ctx, "export unit attempt failed",
			"export_id", export.ID,
			"application", unit.Application,
			"error", runErr,
		)
		return model.Outcome{}, runErr
	}

	params := core.FinishUnitParams{ExportID: export.ID, Application: unit.Application, Status: model.StatusSuccess}
	result := "success"
	if runErr != nil {
		msg := runErr.Error()
		params.Status = model.StatusError
		params.Error = &msg
		result = "error"
	} else if res != nil {
		params.Artifact = &res.Path
	}
	finished, err := s.exports.FinishUnit(ctx, params)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("finish %s: %w", unit.Application, err)
	}
	s.invalidate(ctx, export.DownloadCode)
	if s.metrics != nil {
		tags := map[string]string{"application": string(unit.Application), "result": result}
		s.metrics.Count("export.unit", 1, tags)
		s.metrics.Timing("export.unit.duration", time.Since(start), tags)
	}

	if !finished {
		// Another attempt finished the row first; report what it recorded.
		row, _, err = s.exports.BeginUnit(ctx, core.BeginUnitParams{ExportID: export.ID, Application: unit.Application})
		if err != nil {
			return model.Outcome{}, err
		}
		return row.Outcome(unit.UnitID), nil
	}

	out := model.Outcome{UnitID: unit.UnitID, Target: string(unit.Application), Success: runErr == nil, Artifact: params.Artifact}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	s.logger.InfoContext(ctx, "export unit finished",
		"export_id", export.ID,
		"application", unit.Application,
		"success", out.Success,
	)
	return out, nil
}

var errInitFailed = errors.New("exporter init failed")

func (s *ExportService) run(ctx context.Context, export *model.DataExport, key model.ApplicationKey) (*exporter.Result, error) {
	var person *model.Person
	if export.PersonID != nil && s.directory != nil {
		p, err := s.directory.GetPerson(ctx, *export.PersonID)
		if err != nil {
			return nil, fmt.Errorf("look up person: %w", err)
		}
		person = p
	}

	exp, err := s.registry.Open(key, export)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInitFailed, err)
	}
	defer func() {
		if cleanErr := exp.Cleanup(); cleanErr != nil {
			s.logger.WarnContext(ctx, "exporter cleanup", "application", key, "error", cleanErr)
		}
	}()

	timeout := exporter.DefaultTimeout
	if settings, ok := s.registry.Settings(key); ok {
		timeout = settings.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exp.Export(runCtx, exporter.Request{Export: export, Person: person, Application: key})
}

// ZipResults builds the delivery archive from every successful unit, stores
// it and marks the export complete, which enqueues the owner notification.
// An export that is already complete is left alone.
func (s *ExportService) ZipResults(ctx context.Context, exportID string, outcomes model.OutcomeList) error {
	all := model.Normalize(outcomes)
	export, err := s.exports.GetByID(ctx, exportID)
	if err != nil {
		return err
	}
	if export.CompleteTimestamp != nil {
		s.logger.InfoContext(ctx, "data export already complete", "export_id", export.ID)
		return nil
	}

	if err := s.abandonFailedUnits(ctx, export, all); err != nil {
		return err
	}

	name := export.DownloadCode + ".zip"
	final := filepath.Join(s.registry.Root(), name)
	manifest, err := s.writeArchive(ctx, export, all, final)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, name, final); err != nil {
		return fmt.Errorf("store archive: %w", err)
	}

	notify, err := json.Marshal(model.ExportNotifyPayload{ExportID: export.ID})
	if err != nil {
		return fmt.Errorf("marshal export_notify payload: %w", err)
	}
	marked, err := s.exports.MarkComplete(ctx, core.MarkExportCompleteParams{
		ExportID: export.ID,
		Filename: name,
		Notify: &model.CreateJobRequest{
			Type:       model.JobTypeExportNotify,
			Payload:    notify,
			MaxRetries: DefaultExportAggregateRetries,
		},
	})
	if err != nil {
		return fmt.Errorf("mark export complete: %w", err)
	}
	s.invalidate(ctx, export.DownloadCode)
	s.removeOriginals(ctx, export, all)

	if marked && s.metrics != nil {
		s.metrics.Count("export.completed", 1, map[string]string{
			"partial": fmt.Sprintf("%t", manifest.Summary.ErrorCount > 0),
		})
	}
	s.logger.InfoContext(ctx, "data export complete",
		"export_id", export.ID,
		"success", manifest.Summary.SuccessCount,
		"errors", manifest.Summary.ErrorCount,
	)
	return nil
}

// abandonFailedUnits moves the status row of every failed unit to ERROR. Rows
// of units that died without finishing would otherwise stay NOT_STARTED or
// RUNNING on a completed export.
func (s *ExportService) abandonFailedUnits(ctx context.Context, export *model.DataExport, all []model.Outcome) error {
	changed := false
	for _, o := range all {
		key := model.ApplicationKey(o.Target)
		if o.Success || !key.Valid() {
			continue
		}
		ok, err := s.exports.AbandonUnit(ctx, core.AbandonUnitParams{ExportID: export.ID, Application: key, Error: o.Error})
		if err != nil {
			return fmt.Errorf("abandon %s: %w", key, err)
		}
		if ok {
			changed = true
			s.logger.WarnContext(ctx, "export unit abandoned", "export_id", export.ID, "application", key, "error", o.Error)
		}
	}
	if changed {
		s.invalidate(ctx, export.DownloadCode)
	}
	return nil
}

func (s *ExportService) writeArchive(ctx context.Context, export *model.DataExport, all []model.Outcome, dst string) (*model.ExportManifest, error) {
	tmp := dst + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	manifest := &model.ExportManifest{
		DownloadCode:      export.DownloadCode,
		RequestTimestamp:  export.RequestTimestamp,
		CompleteTimestamp: s.now().UTC(),
		Summary:           model.Summarize(all),
	}
	for _, o := range all {
		key := model.ApplicationKey(o.Target)
		line := model.ExportManifestBackend{Key: key, Name: key.DisplayName(), Success: o.Success, Error: o.Error}
		if o.Success && o.HasArtifact() {
			line.Entries = s.copyArtifact(ctx, zw, key, *o.Artifact)
		}
		manifest.Applications = append(manifest.Applications, line)
	}

	werr := writeZipJSON(zw, "manifest.json", manifest)
	if werr == nil {
		werr = writeZipText(zw, "metadata.txt", metadataText(manifest))
	}
	if err := zw.Close(); err != nil && werr == nil {
		werr = err
	}
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr == nil {
		werr = os.Rename(tmp, dst)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write archive: %w", werr)
	}
	return manifest, nil
}

// copyArtifact adds one backend artifact under <key>/. Zip artifacts are
// copied entry by entry without recompression; anything else is added as a
// single file. It returns the number of entries written.
func (s *ExportService) copyArtifact(ctx context.Context, zw *zip.Writer, key model.ApplicationKey, src string) int {
	zr, err := zip.OpenReader(src)
	if err != nil {
		if err := addPlainFile(zw, path.Join(string(key), filepath.Base(src)), src); err != nil {
			s.logger.WarnContext(ctx, "skipping artifact", "application", key, "path", src, "error", err)
			return 0
		}
		return 1
	}
	defer func() { _ = zr.Close() }()

	n := 0
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name, ok := entryName(key, zf.Name)
		if !ok {
			s.logger.WarnContext(ctx, "skipping unsafe archive entry", "application", key, "entry", zf.Name)
			continue
		}
		zf.Name = name
		if err := zw.Copy(zf); err != nil {
			s.logger.WarnContext(ctx, "skipping archive entry", "application", key, "entry", name, "error", err)
			continue
		}
		n++
	}
	return n
}

func entryName(key model.ApplicationKey, name string) (string, bool) {
	clean := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	if clean == "/" {
		return "", false
	}
	return string(key) + clean, true
}

func addPlainFile(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func writeZipJSON(zw *zip.Writer, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeZipText(zw, name, string(b)+"\n")
}

func writeZipText(zw *zip.Writer, name, text string) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}

func metadataText(m *model.ExportManifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data export %s\n", m.DownloadCode)
	fmt.Fprintf(&b, "Requested: %s\n", m.RequestTimestamp.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Completed: %s\n", m.CompleteTimestamp.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Applications: %d, succeeded: %d, failed: %d\n\n",
		m.Summary.Total, m.Summary.SuccessCount, m.Summary.ErrorCount)
	for _, a := range m.Applications {
		if a.Success {
			fmt.Fprintf(&b, "%s: exported %d file(s) into %s/\n", a.Name, a.Entries, a.Key)
			continue
		}
		fmt.Fprintf(&b, "%s: failed (%s)\n", a.Name, a.Error)
	}
	return b.String()
}

func (s *ExportService) removeOriginals(ctx context.Context, export *model.DataExport, all []model.Outcome) {
	for _, o := range all {
		if !o.HasArtifact() {
			continue
		}
		if err := os.Remove(*o.Artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WarnContext(ctx, "remove unit artifact", "path", *o.Artifact, "error", err)
		}
	}
	s.removeLeftovers(ctx, export)
}

// removeLeftovers deletes workspaces and unit artifacts of an export that
// were not cleaned up by their runs.
func (s *ExportService) removeLeftovers(ctx context.Context, export *model.DataExport) {
	root := s.registry.Root()
	if root == "" || export.DownloadCode == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(root, export.DownloadCode)); err != nil {
		s.logger.WarnContext(ctx, "remove export workspace", "export_id", export.ID, "error", err)
	}
	matches, _ := filepath.Glob(filepath.Join(root, export.DownloadCode+"-*.zip"))
	matches = append(matches, filepath.Join(root, export.DownloadCode+".zip.part"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WarnContext(ctx, "remove leftover artifact", "path", m, "error", err)
		}
	}
}

// MailPerson tells the owner of an export that the archive can be downloaded.
// Exports without an owner or an owner without an address are skipped.
func (s *ExportService) MailPerson(ctx context.Context, exportID string) error {
	if s.mail == nil {
		return errors.New("export notifications need a MailService")
	}
	export, err := s.exports.GetByID(ctx, exportID)
	if err != nil {
		return err
	}
	if export.PersonID == nil || s.directory == nil {
		s.logger.InfoContext(ctx, "data export has no owner to notify", "export_id", export.ID)
		return nil
	}
	person, err := s.directory.GetPerson(ctx, *export.PersonID)
	if err != nil {
		return fmt.Errorf("look up person: %w", err)
	}
	if strings.TrimSpace(person.Email) == "" {
		s.logger.WarnContext(ctx, "export owner has no e-mail address", "export_id", export.ID)
		return nil
	}

	outcomes, err := s.mail.SendDirect(ctx, &model.MailTask{
		Template: model.TemplateChoice{Name: ExportCompleteTemplate},
		Recipients: []*model.Recipient{{
			To:       []string{person.Email},
			Language: person.PreferredLanguage,
			Context: map[string]any{
				"person_name":  person.Name,
				"download_url": s.DownloadURL(export.DownloadCode),
				"expires_on":   export.ExpiresOn().Local().Format(expiresOnLayout),
			},
		}},
	})
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if !o.Success {
			return &NotifyError{ExportID: export.ID, Outcome: o}
		}
	}
	return nil
}

// NotifyError is returned when the owner's "export ready" mail was not sent.
type NotifyError struct {
	ExportID string
	Outcome  model.Outcome
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %s", e.Outcome.Target, e.Outcome.Error)
}

// reportNotifyFailure mails the failed owner notification to the default
// sender address so operators can pass the link on by hand.
func (s *ExportService) reportNotifyFailure(ctx context.Context, nerr *NotifyError) {
	ops := s.mail.DefaultFrom()
	if ops == "" {
		s.logger.ErrorContext(ctx, "export notification failed and no report address is set",
			"export_id", nerr.ExportID, "error", nerr.Outcome.Error)
		return
	}
	_, err := s.mail.DeliveryReport(ctx, &model.MailReportPayload{
		WorkflowID:   "export-notify-" + nerr.ExportID,
		From:         ops,
		ReportTo:     ops,
		TemplateName: ExportCompleteTemplate,
	}, model.SingleOutcome{Outcome: nerr.Outcome})
	if err != nil {
		s.logger.ErrorContext(ctx, "report failed export notification", "export_id", nerr.ExportID, "error", err)
	}
}

// DownloadURL is the link mailed to the owner.
func (s *ExportService) DownloadURL(code string) string {
	return s.publicURL + "/api/exports/" + code + "/download"
}

// Status returns the polling view of an export.
func (s *ExportService) Status(ctx context.Context, code string) (*model.ExportStatusView, error) {
	if view, err := s.cache.Get(ctx, code); err != nil {
		s.logger.WarnContext(ctx, "export status cache read", "error", err)
	} else if view != nil {
		return view, nil
	}

	export, err := s.exports.GetByCode(ctx, code)
	if errors.Is(err, data.ErrDataExportNotFound) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, err
	}
	statuses, err := s.exports.ListStatuses(ctx, export.ID)
	if err != nil {
		return nil, err
	}
	order := model.AllApplicationKeys()
	slices.SortStableFunc(statuses, func(a, b *model.ApplicationStatus) int {
		return slices.Index(order, a.Application) - slices.Index(order, b.Application)
	})
	view := &model.ExportStatusView{Applications: make([]model.ExportStatusEntry, 0, len(statuses)), Done: export.IsReady}
	for _, st := range statuses {
		view.Applications = append(view.Applications, model.ExportStatusEntry{
			Name:   st.Application.DisplayName(),
			Status: st.Status,
		})
	}
	if err := s.cache.Put(ctx, code, view); err != nil {
		s.logger.WarnContext(ctx, "export status cache write", "error", err)
	}
	return view, nil
}

// Download is an opened delivery archive.
type Download struct {
	Filename string
	*artifact.Object
}

// Download opens the archive of a ready, unexpired export and counts the download.
func (s *ExportService) Download(ctx context.Context, code string) (*Download, error) {
	export, err := s.exports.GetByCode(ctx, code)
	if errors.Is(err, data.ErrDataExportNotFound) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, err
	}
	if !export.IsReady || export.Filename == nil || export.IsExpired(s.now()) {
		return nil, ErrExportNotFound
	}
	obj, err := s.store.Open(ctx, *export.Filename)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, err
	}
	count, err := s.exports.IncrementDownloads(ctx, export.ID)
	if err != nil {
		_ = obj.Body.Close()
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Count("export.downloaded", 1, nil)
	}
	s.logger.InfoContext(ctx, "data export downloaded", "export_id", export.ID, "download_count", count)
	return &Download{Filename: *export.Filename, Object: obj}, nil
}

// CleanExpired deletes expired exports with their archives and leftovers.
func (s *ExportService) CleanExpired(ctx context.Context) (int, error) {
	deleted := 0
	for {
		batch, err := s.exports.ListExpired(ctx, s.now(), expiredBatchSize)
		if err != nil {
			return deleted, err
		}
		for _, e := range batch {
			if err := s.deleteExport(ctx, e); err != nil {
				return deleted, err
			}
			deleted++
		}
		if len(batch) < expiredBatchSize {
			return deleted, nil
		}
	}
}

func (s *ExportService) deleteExport(ctx context.Context, e *model.DataExport) error {
	if e.Filename != nil {
		if err := s.store.Delete(ctx, *e.Filename); err != nil {
			return fmt.Errorf("delete archive of %s: %w", e.ID, err)
		}
	}
	s.removeLeftovers(ctx, e)
	if _, err := s.exports.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("delete data export %s: %w", e.ID, err)
	}
	s.invalidate(ctx, e.DownloadCode)
	s.logger.InfoContext(ctx, "data export deleted", "export_id", e.ID)
	return nil
}

func (s *ExportService) invalidate(ctx context.Context, code string) {
	if err := s.cache.Invalidate(ctx, code); err != nil {
		s.logger.WarnContext(ctx, "export status cache invalidate", "error", err)
	}
}

// ProcessRunJob handles an export_run job.
func (s *ExportService) ProcessRunJob(ctx context.Context, job *model.Job) error {
	var p model.ExportRunPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode export_run payload: %w", err)
	}
	started := s.now()
	out, err := s.ExecuteExporter(ctx, &p, job.IsFinalAttempt())
	if err != nil {
		s.workflows.RecordAttempt(ctx, job, model.Outcome{
			UnitID: p.UnitID,
			Target: string(p.Application),
			Error:  err.Error(),
		}, started)
		return err
	}
	s.workflows.RecordAttempt(ctx, job, out, started)
	_, err = s.workflows.Report(ctx, p.WorkflowID, out)
	return err
}

// ProcessZipJob handles an export_zip job.
func (s *ExportService) ProcessZipJob(ctx context.Context, job *model.Job) error {
	var p model.ExportZipPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode export_zip payload: %w", err)
	}
	wf, outcomes, err := s.workflows.Collect(ctx, p.WorkflowID)
	if err != nil {
		return err
	}
	if wf.CompletedAt != nil {
		return nil
	}
	if err := s.ZipResults(ctx, p.ExportID, outcomes); err != nil {
		return err
	}
	s.workflows.RecordResult(ctx, job, model.Summarize(model.Normalize(outcomes)))
	if _, err := s.workflows.MarkComplete(ctx, wf.ID); err != nil {
		return fmt.Errorf("mark workflow complete: %w", err)
	}
	return nil
}

// ProcessNotifyJob handles an export_notify job.
func (s *ExportService) ProcessNotifyJob(ctx context.Context, job *model.Job) error {
	var p model.ExportNotifyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode export_notify payload: %w", err)
	}
	err := s.MailPerson(ctx, p.ExportID)
	var nerr *NotifyError
	if errors.As(err, &nerr) && job.IsFinalAttempt() {
		s.reportNotifyFailure(ctx, nerr)
	}
	return err
}
