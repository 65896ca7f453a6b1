// Package workflowtest runs fan-out/fan-in workflows end to end against the
// test database: units are reserved and settled through the job service the
// way the runners do it, and progress is read back through the HTTP API.
package workflowtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	httpx "github.com/inter-actief/courier/internal/http"
	"github.com/inter-actief/courier/internal/service"
	"github.com/inter-actief/courier/internal/testutil"
)

const apiToken = "workflowtest-token"

// Options selects the optional parts of a Harness.
type Options struct {
	// Redis adds a cache repository and export status cache.
	Redis bool
	// Lease is the unit lease; zero means 30s.
	Lease time.Duration
}

// Harness wires the real repositories and services on one database.
type Harness struct {
	t     testutil.TestingTB
	lease time.Duration
	api   *httptest.Server
	redis *redis.Client

	Jobs      *data.JobRepo
	Workflows *data.WorkflowRepo
	Results   *data.JobResultRepo

	JobSvc      *service.JobService
	WorkflowSvc *service.WorkflowService

	// Set only with Options.Redis.
	Cache       core.CacheRepository
	StatusCache *core.ExportStatusCache
}

// Run builds a Harness on a fresh schema and hands it to fn. It skips when
// the test database, or Redis if asked for, is unavailable.
func Run(t testutil.TestingTB, opts Options, fn func(*Harness)) {
	t.Helper()
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		h := newHarness(t, db, opts)
		defer h.close()
		fn(h)
	})
}

func newHarness(t testutil.TestingTB, db *sql.DB, opts Options) *Harness {
	t.Helper()
	h := &Harness{t: t, lease: opts.Lease}
	if h.lease <= 0 {
		h.lease = 30 * time.Second
	}

	h.Jobs = data.NewJobRepo(db, data.RepoConfig{})
	h.Workflows = data.NewWorkflowRepo(db, data.WorkflowRepoOptions{Jobs: h.Jobs})
	h.Results = data.NewJobResultRepo(db)

	h.JobSvc = service.MustNewJobService(service.JobServiceOptions{Repo: h.Jobs, DefaultLease: h.lease})
	wf, err := service.NewWorkflowService(service.WorkflowServiceOptions{Repo: h.Workflows, Results: h.Results})
	if err != nil {
		t.Fatalf("workflow service: %v", err)
	}
	h.WorkflowSvc = wf

	if opts.Redis {
		client := testutil.SetupTestRedis(t)
		h.Cache = data.NewRedisCacheRepo(client)
		h.StatusCache = core.NewExportStatusCache(core.ExportStatusCacheOptions{
			Cache: h.Cache,
			TTL:   core.DefaultExportStatusTTL,
		})
		h.redis = client
	}

	h.api = httptest.NewServer(httpx.NewRouter(httpx.RouterServices{
		Jobs:      h.JobSvc,
		Workflows: h.WorkflowSvc,
		APIToken:  apiToken,
	}))
	return h
}

func (h *Harness) close() {
	h.api.Close()
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			h.t.Logf("close redis: %v", err)
		}
	}
}

// SubmitMail submits a mail workflow with n recipients. Unit ids run from
// mail-0 to mail-(n-1); the aggregate is a mail_report.
func (h *Harness) SubmitMail(n int) *model.Workflow {
	h.t.Helper()
	req := &model.SubmitWorkflowRequest{
		Kind:      model.WorkflowKindMail,
		Aggregate: *testutil.MailReportJobRequest("www@inter-actief.net", true),
	}
	for i := range n {
		id := fmt.Sprintf("mail-%d", i)
		req.Units = append(req.Units, model.UnitSubmission{
			Unit: model.WorkflowUnit{UnitID: id, Target: fmt.Sprintf("member%d@example.com", i)},
			Job:  *testutil.MailSendJobRequest(id),
		})
	}
	wf, err := h.WorkflowSvc.Submit(context.Background(), req)
	if err != nil {
		h.t.Fatalf("submit mail workflow: %v", err)
	}
	return wf
}

// Reserve leases the next job of jobType, or returns nil when none is due.
func (h *Harness) Reserve(jobType model.JobType) *model.Job {
	h.t.Helper()
	job, err := h.JobSvc.ReserveNext(context.Background(), jobType, h.lease)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil
		}
		h.t.Fatalf("reserve %s: %v", jobType, err)
	}
	return job
}

// Decide picks the outcome of one reserved unit.
type Decide func(job *model.Job, unitID string) model.Outcome

// Drain settles every due job of jobType like a runner would: the attempt
// is recorded, the outcome reported and the job completed. The report
// results come back in reservation order.
func (h *Harness) Drain(jobType model.JobType, decide Decide) []model.RecordOutcomeResult {
	h.t.Helper()
	ctx := context.Background()

	var out []model.RecordOutcomeResult
	for job := h.Reserve(jobType); job != nil; job = h.Reserve(jobType) {
		if job.WorkflowID == nil {
			h.t.Fatalf("unit job %s has no workflow", job.ID)
		}
		var p struct {
			UnitID string `json:"unit_id"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			h.t.Fatalf("decode unit payload: %v", err)
		}

		o := decide(job, p.UnitID)
		o.UnitID = p.UnitID
		h.WorkflowSvc.RecordAttempt(ctx, job, o, time.Now())
		res, err := h.WorkflowSvc.Report(ctx, *job.WorkflowID, o)
		if err != nil {
			h.t.Fatalf("report %s: %v", p.UnitID, err)
		}
		if _, err := h.JobSvc.Complete(ctx, job.ID); err != nil {
			h.t.Fatalf("complete %s: %v", job.ID, err)
		}
		out = append(out, *res)
	}
	return out
}

// Aggregate loads the job enqueued once the workflow's barrier was met.
func (h *Harness) Aggregate(workflowID string) *model.Job {
	h.t.Helper()
	ctx := context.Background()
	wf, err := h.Workflows.GetByID(ctx, workflowID)
	if err != nil {
		h.t.Fatalf("load workflow: %v", err)
	}
	if wf.AggregateJobID == nil {
		h.t.Fatalf("workflow %s still waits on %d unit(s)", workflowID, wf.Remaining)
	}
	job, err := h.Jobs.GetByID(ctx, *wf.AggregateJobID)
	if err != nil {
		h.t.Fatalf("load aggregate job: %v", err)
	}
	return job
}

// WorkflowView is the body of GET /api/workflows/{id}.
type WorkflowView struct {
	Workflow *model.Workflow      `json:"workflow"`
	Outcomes []model.Outcome      `json:"outcomes"`
	Summary  model.OutcomeSummary `json:"summary"`
	Results  []*model.JobResult   `json:"results"`
}

// Progress reads the workflow through the API.
func (h *Harness) Progress(workflowID string) WorkflowView {
	h.t.Helper()
	var v WorkflowView
	h.get("/api/workflows/"+workflowID, &v)
	return v
}

// JobStatus reads a job's status through the API.
func (h *Harness) JobStatus(jobID string) model.JobStatusResponse {
	h.t.Helper()
	var s model.JobStatusResponse
	h.get("/api/jobs/"+jobID+"/status", &s)
	return s
}

func (h *Harness) get(path string, out any) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.api.URL+path, nil)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	resp, err := h.api.Client().Do(req)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode %s: %v", path, err)
	}
}
