package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/mailer"
)

// memWorkflowRepo is an in-memory barrier with the same outcome semantics as
// data.WorkflowRepo. Submitted unit jobs and enqueued aggregates are kept
// for inspection.
type memWorkflowRepo struct {
	mu         sync.Mutex
	workflows  map[string]*model.Workflow
	outcomes   map[string][]model.Outcome
	units      []model.CreateJobRequest
	aggregates []model.CreateJobRequest
	submitErr  error
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{
		workflows: map[string]*model.Workflow{},
		outcomes:  map[string][]model.Outcome{},
	}
}

func (r *memWorkflowRepo) Submit(_ context.Context, req *model.SubmitWorkflowRequest) (*model.Workflow, error) {
	if r.submitErr != nil {
		return nil, r.submitErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	wf := &model.Workflow{
		ID:               req.ID,
		Kind:             req.Kind,
		Total:            len(req.Units),
		Remaining:        len(req.Units),
		Units:            req.UnitRefs(),
		AggregateType:    req.Aggregate.Type,
		AggregatePayload: req.Aggregate.Payload,
	}
	r.workflows[wf.ID] = wf
	for _, u := range req.Units {
		job := u.Job
		job.WorkflowID = &wf.ID
		r.units = append(r.units, job)
	}
	cp := *wf
	return &cp, nil
}

func (r *memWorkflowRepo) RecordOutcome(_ context.Context, p core.RecordOutcomeParams) (*model.RecordOutcomeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[p.WorkflowID]
	if !ok {
		return nil, data.ErrWorkflowNotFound
	}
	for _, o := range r.outcomes[wf.ID] {
		if o.UnitID == p.Outcome.UnitID {
			return &model.RecordOutcomeResult{Recorded: false, Remaining: wf.Remaining}, nil
		}
	}
	r.outcomes[wf.ID] = append(r.outcomes[wf.ID], p.Outcome)
	wf.Remaining--
	res := &model.RecordOutcomeResult{Recorded: true, Remaining: wf.Remaining}
	if wf.Remaining == 0 {
		id := uuid.NewString()
		wf.AggregateJobID = &id
		res.AggregateJobID = &id
		r.aggregates = append(r.aggregates, model.CreateJobRequest{
			Type:       wf.AggregateType,
			Payload:    wf.AggregatePayload,
			WorkflowID: &wf.ID,
		})
	}
	return res, nil
}

func (r *memWorkflowRepo) GetByID(_ context.Context, id string) (*model.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, data.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (r *memWorkflowRepo) Outcomes(_ context.Context, id string) ([]model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.outcomes[id]...), nil
}

func (r *memWorkflowRepo) UnitOutcome(_ context.Context, id, unitID string) (*model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes[id] {
		if o.UnitID == unitID {
			cp := o
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memWorkflowRepo) MarkComplete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return false, data.ErrWorkflowNotFound
	}
	if wf.CompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	wf.CompletedAt = &now
	return true, nil
}

// memExportRepo mirrors data.DataExportRepo in memory.
type memExportRepo struct {
	mu       sync.Mutex
	now      func() time.Time
	exports  map[string]*model.DataExport
	statuses map[string][]*model.ApplicationStatus
	notified []model.CreateJobRequest
	beginErr error
}

func newMemExportRepo(now func() time.Time) *memExportRepo {
	return &memExportRepo{
		now:      now,
		exports:  map[string]*model.DataExport{},
		statuses: map[string][]*model.ApplicationStatus{},
	}
}

func (r *memExportRepo) Create(_ context.Context, p core.CreateDataExportParams) (*model.DataExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.PersonID != nil {
		for _, e := range r.exports {
			if e.PersonID != nil && *e.PersonID == *p.PersonID {
				return nil, data.ErrDataExportExists
			}
		}
	}
	e := &model.DataExport{
		ID:               uuid.NewString(),
		DownloadCode:     uuid.NewString(),
		PersonID:         p.PersonID,
		RequestTimestamp: r.now(),
	}
	r.exports[e.ID] = e
	for _, app := range p.Applications {
		r.statuses[e.ID] = append(r.statuses[e.ID], &model.ApplicationStatus{
			ID:          uuid.NewString(),
			ExportID:    e.ID,
			Application: app,
			Status:      model.StatusNotStarted,
		})
	}
	cp := *e
	return &cp, nil
}

func (r *memExportRepo) find(match func(*model.DataExport) bool) (*model.DataExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.exports {
		if match(e) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, data.ErrDataExportNotFound
}

func (r *memExportRepo) GetByID(_ context.Context, id string) (*model.DataExport, error) {
	return r.find(func(e *model.DataExport) bool { return e.ID == id })
}

func (r *memExportRepo) GetByCode(_ context.Context, code string) (*model.DataExport, error) {
	return r.find(func(e *model.DataExport) bool { return e.DownloadCode == code })
}

func (r *memExportRepo) GetByPersonID(_ context.Context, personID string) (*model.DataExport, error) {
	return r.find(func(e *model.DataExport) bool { return e.PersonID != nil && *e.PersonID == personID })
}

func (r *memExportRepo) ListStatuses(_ context.Context, exportID string) ([]*model.ApplicationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.ApplicationStatus, 0, len(r.statuses[exportID]))
	for _, st := range r.statuses[exportID] {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memExportRepo) row(exportID string, app model.ApplicationKey) *model.ApplicationStatus {
	for _, st := range r.statuses[exportID] {
		if st.Application == app {
			return st
		}
	}
	return nil
}

func (r *memExportRepo) BeginUnit(_ context.Context, p core.BeginUnitParams) (*model.ApplicationStatus, bool, error) {
	if r.beginErr != nil {
		return nil, false, r.beginErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.row(p.ExportID, p.Application)
	if st == nil {
		return nil, false, data.ErrStatusRowNotFound
	}
	if st.Status.Terminal() {
		cp := *st
		return &cp, false, nil
	}
	st.Status = model.StatusRunning
	cp := *st
	return &cp, true, nil
}

func (r *memExportRepo) FinishUnit(_ context.Context, p core.FinishUnitParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.row(p.ExportID, p.Application)
	if st == nil || st.Status != model.StatusRunning {
		return false, nil
	}
	st.Status = p.Status
	st.Error = p.Error
	st.Artifact = p.Artifact
	return true, nil
}

func (r *memExportRepo) AbandonUnit(_ context.Context, p core.AbandonUnitParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.row(p.ExportID, p.Application)
	if st == nil || st.Status.Terminal() {
		return false, nil
	}
	msg := p.Error
	st.Status = model.StatusError
	st.Error = &msg
	return true, nil
}

func (r *memExportRepo) MarkComplete(_ context.Context, p core.MarkExportCompleteParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exports[p.ExportID]
	if !ok {
		return false, data.ErrDataExportNotFound
	}
	if e.CompleteTimestamp != nil {
		return false, nil
	}
	now := r.now()
	name := p.Filename
	e.CompleteTimestamp = &now
	e.Filename = &name
	e.IsReady = true
	if p.Notify != nil {
		r.notified = append(r.notified, *p.Notify)
	}
	return true, nil
}

func (r *memExportRepo) IncrementDownloads(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exports[id]
	if !ok {
		return 0, data.ErrDataExportNotFound
	}
	e.DownloadCount++
	return e.DownloadCount, nil
}

func (r *memExportRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.exports[id]
	delete(r.exports, id)
	delete(r.statuses, id)
	return ok, nil
}

func (r *memExportRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.DataExport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DataExport
	for _, e := range r.exports {
		if e.IsExpired(now) && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memCache implements core.CacheRepository without expiry.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok, nil
}

func (c *memCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *memCache) SetTTL(ctx context.Context, key string, _ time.Duration) (bool, error) {
	return c.Exists(ctx, key)
}

func (c *memCache) SetIfNotExists(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = value
	return true, nil
}

func (c *memCache) Health(context.Context) error { return nil }

// recordingSender keeps every message; failFor lists To addresses that fail.
type recordingSender struct {
	mu      sync.Mutex
	sent    []*mailer.Message
	failFor map[string]bool
}

func (s *recordingSender) Send(_ context.Context, msg *mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, to := range msg.To {
		if s.failFor[to] {
			return errors.New("mailbox unavailable")
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []*mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mailer.Message(nil), s.sent...)
}

type staticDirectory map[string]*model.Person

func (d staticDirectory) GetPerson(_ context.Context, id string) (*model.Person, error) {
	p, ok := d[id]
	if !ok {
		return nil, errors.New("person not found")
	}
	return p, nil
}

func noSleep(context.Context, time.Duration) error { return nil }
