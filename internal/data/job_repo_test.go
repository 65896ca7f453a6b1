package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/testutil"
)

const missingJobID = "00000000-0000-0000-0000-000000000000"

// reserve takes the next job of jobType with a thirty second lease.
func reserve(t *testing.T, repo *JobRepo, jobType model.JobType) *model.Job {
	t.Helper()
	job, err := repo.ReserveNext(context.Background(), jobType, 30)
	require.NoError(t, err)
	return job
}

func create(t *testing.T, repo *JobRepo, req *model.CreateJobRequest) *model.Job {
	t.Helper()
	job, err := repo.Create(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestJobRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	workflowID := "550e8400-e29b-41d4-a716-446655440000"
	later := time.Now().Add(time.Hour)

	cases := map[string]struct {
		req    *model.CreateJobRequest
		errMsg string
	}{
		"mail unit":                 {req: testutil.MailSendJobRequest("mail-0")},
		"export unit in a workflow": {req: testutil.ExportRunJobRequest("exp-1", model.AppGitLab, testutil.InWorkflow(workflowID), testutil.WithMetadata(`{"source":"api"}`))},
		"deferred report":           {req: testutil.MailReportJobRequest("www@inter-actief.net", false, testutil.ScheduledAt(later), testutil.WithMaxRetries(5))},
		"unknown type":              {req: testutil.JobRequest("invalid", `{"x":1}`), errMsg: "invalid job type"},
		"missing payload":           {req: testutil.JobRequest(model.JobTypeMailSend, ``), errMsg: "payload is required"},
		"priority above range":      {req: testutil.MailSendJobRequest("mail-0", testutil.WithPriority(150)), errMsg: "priority must be between 0 and 100"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewJobRepo(db, RepoConfig{})
				job, err := repo.Create(context.Background(), tc.req)
				if tc.errMsg != "" {
					require.ErrorContains(t, err, tc.errMsg)
					assert.Nil(t, job)
					return
				}
				require.NoError(t, err)

				assert.NotEmpty(t, job.ID)
				assert.Equal(t, tc.req.Type, job.Type)
				assert.Equal(t, model.JobStatusPending, job.Status)
				assert.Equal(t, tc.req.Priority, job.Priority)
				assert.Equal(t, tc.req.MaxRetries, job.MaxRetries)
				assert.JSONEq(t, string(tc.req.Payload), string(job.Payload))
				assert.Zero(t, job.RetryCount)
				assert.Equal(t, tc.req.WorkflowID, job.WorkflowID)
				if tc.req.Metadata != nil {
					assert.JSONEq(t, string(tc.req.Metadata), string(job.Metadata))
				} else {
					assert.JSONEq(t, `{}`, string(job.Metadata))
				}
			})
		})
	}

	t.Run("zero attempt budget gets the default", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			job := create(t, repo, testutil.MailSendJobRequest("mail-0", testutil.WithMaxRetries(0)))
			assert.Equal(t, 3, job.MaxRetries)
		})
	})
}

func TestJobRepo_ReserveNext(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("takes the highest priority unit and leases it", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			create(t, repo, testutil.MailSendJobRequest("low", testutil.WithPriority(25)))
			high := create(t, repo, testutil.MailSendJobRequest("high", testutil.WithPriority(75)))

			job, err := repo.ReserveNext(context.Background(), model.JobTypeMailSend, 45)
			require.NoError(t, err)
			assert.Equal(t, high.ID, job.ID)
			assert.Equal(t, model.JobStatusRunning, job.Status)
			require.NotNil(t, job.StartedAt)
			require.NotNil(t, job.LeaseExpiresAt)
			assert.InDelta(t, 45, job.LeaseExpiresAt.Sub(*job.StartedAt).Seconds(), 1)
		})
	})

	t.Run("lanes do not share work", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			create(t, repo, testutil.ExportRunJobRequest("exp-1", model.AppGitLab))

			_, err := repo.ReserveNext(context.Background(), model.JobTypeMailSend, 30)
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("deferred units wait", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			create(t, repo, testutil.MailSendJobRequest("mail-0", testutil.ScheduledAt(time.Now().Add(time.Hour))))

			_, err := repo.ReserveNext(context.Background(), model.JobTypeMailSend, 30)
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("unknown type", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			_, err := repo.ReserveNext(context.Background(), "invalid", 30)
			require.Error(t, err)
			assert.NotErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})
}

func TestJobRepo_CompleteAndFail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{RetryDelaySeconds: 10})
		ctx := context.Background()

		done := create(t, repo, testutil.MailSendJobRequest("mail-0", testutil.WithPriority(60)))
		retried := create(t, repo, testutil.MailSendJobRequest("mail-1", testutil.WithMaxRetries(2)))

		reserve(t, repo, model.JobTypeMailSend)
		ok, err := repo.Complete(ctx, done.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		reserve(t, repo, model.JobTypeMailSend)
		ok, err = repo.Fail(ctx, retried.ID, "smtp: 451 try again later")
		require.NoError(t, err)
		assert.True(t, ok)

		again, err := repo.GetByID(ctx, retried.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, again.Status, "a unit with attempts left goes back to the lane")
		assert.Equal(t, 1, again.RetryCount)
		require.NotNil(t, again.LastError)
		assert.Equal(t, "smtp: 451 try again later", *again.LastError)

		ok, err = repo.Complete(ctx, missingJobID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = repo.Fail(ctx, missingJobID, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_Heartbeat(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		leased := create(t, repo, testutil.MailSendJobRequest("mail-0", testutil.WithPriority(90)))
		waiting := create(t, repo, testutil.MailSendJobRequest("mail-1"))
		reserve(t, repo, model.JobTypeMailSend)

		for id, want := range map[string]bool{leased.ID: true, waiting.ID: false, missingJobID: false} {
			ok, err := repo.Heartbeat(ctx, id, 60)
			require.NoError(t, err)
			assert.Equal(t, want, ok, "heartbeat %s", id)
		}
	})
}

func TestJobRepo_Stats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		// Priorities fix the reservation order: completed, running, failed.
		completed := create(t, repo, testutil.MailSendJobRequest("completed", testutil.WithPriority(50)))
		running := create(t, repo, testutil.MailSendJobRequest("running", testutil.WithPriority(40)))
		failed := create(t, repo, testutil.MailSendJobRequest("failed", testutil.WithPriority(30), testutil.WithMaxRetries(1)))
		create(t, repo, testutil.MailSendJobRequest("pending", testutil.WithPriority(10)))

		require.Equal(t, completed.ID, reserve(t, repo, model.JobTypeMailSend).ID)
		_, err := repo.Complete(ctx, completed.ID)
		require.NoError(t, err)
		require.Equal(t, running.ID, reserve(t, repo, model.JobTypeMailSend).ID)
		require.Equal(t, failed.ID, reserve(t, repo, model.JobTypeMailSend).ID)
		_, err = repo.Fail(ctx, failed.ID, "mailbox unavailable")
		require.NoError(t, err)

		stats, err := repo.Stats(ctx, model.JobTypeMailSend)
		require.NoError(t, err)
		assert.Equal(t, model.JobStats{Pending: 1, Running: 1, Completed: 1, Failed: 1}, *stats)
	})
}

func TestJobRepo_RequeueExpired(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewManualClock(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{Clock: clock})
		job := create(t, repo, testutil.MailSendJobRequest("mail-0"))

		_, err := repo.ReserveNext(context.Background(), model.JobTypeMailSend, 1)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		n, err := repo.requeueExpired(context.Background(), model.JobTypeMailSend)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		again := reserve(t, repo, model.JobTypeMailSend)
		assert.Equal(t, job.ID, again.ID, "an expired lease frees the unit for another runner")
	})
}

func TestJobRepo_List(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()
		workflowID := "7a0c8f3e-2a4b-4d35-9a51-0f3f6e0f1c11"

		mail := create(t, repo, testutil.MailSendJobRequest("mail-0"))
		export := create(t, repo, testutil.ExportRunJobRequest("exp-1", model.AppGitLab, testutil.InWorkflow(workflowID)))
		notify := create(t, repo, testutil.JobRequest(model.JobTypeExportNotify, `{"export_id":"exp-1"}`))
		reserve(t, repo, model.JobTypeExportNotify)
		ok, err := repo.Complete(ctx, notify.ID)
		require.NoError(t, err)
		require.True(t, ok)

		mailType := model.JobTypeMailSend
		completedStatus := model.JobStatusCompleted

		cases := map[string]struct {
			opts *model.JobListOptions
			want []string
		}{
			"newest first":  {opts: &model.JobListOptions{Limit: 10}, want: []string{notify.ID, export.ID, mail.ID}},
			"by type":       {opts: &model.JobListOptions{Type: &mailType, Limit: 10}, want: []string{mail.ID}},
			"by status":     {opts: &model.JobListOptions{Status: &completedStatus, Limit: 10}, want: []string{notify.ID}},
			"by workflow":   {opts: &model.JobListOptions{WorkflowID: &workflowID, Limit: 10}, want: []string{export.ID}},
			"first page":    {opts: &model.JobListOptions{Limit: 2}, want: []string{notify.ID, export.ID}},
			"second page":   {opts: &model.JobListOptions{Limit: 2, Offset: 2}, want: []string{mail.ID}},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				jobs, err := repo.List(ctx, tc.opts)
				require.NoError(t, err)
				ids := make([]string, 0, len(jobs))
				for _, j := range jobs {
					ids = append(ids, j.ID)
				}
				assert.Equal(t, tc.want, ids)
			})
		}
	})
}

func TestJobRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	// settle drives a fresh unit into the named state.
	settle := func(t *testing.T, db *sql.DB, repo *JobRepo, state string) *model.Job {
		t.Helper()
		ctx := context.Background()
		job := create(t, repo, testutil.MailSendJobRequest("mail-0", testutil.WithMaxRetries(1)))
		switch state {
		case "running":
			reserve(t, repo, model.JobTypeMailSend)
		case "completed":
			reserve(t, repo, model.JobTypeMailSend)
			_, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)
		case "failed":
			reserve(t, repo, model.JobTypeMailSend)
			_, err := repo.Fail(ctx, job.ID, "rejected")
			require.NoError(t, err)
		case "leased":
			_, err := db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = NOW() + INTERVAL '30 seconds' WHERE id = $1`, job.ID)
			require.NoError(t, err)
		case "lease expired":
			_, err := db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = $2 WHERE id = $1`, job.ID, time.Now().Add(-time.Hour))
			require.NoError(t, err)
		}
		return job
	}

	cases := map[string]error{
		"pending":       nil,
		"completed":     nil,
		"failed":        nil,
		"lease expired": nil,
		"running":       ErrJobNotDeletable,
		"leased":        ErrJobReserved,
	}
	for state, wantErr := range cases {
		t.Run(state, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewJobRepo(db, RepoConfig{})
				ctx := context.Background()
				job := settle(t, db, repo, state)

				err := repo.Delete(ctx, job.ID)
				_, getErr := repo.GetByID(ctx, job.ID)
				if wantErr != nil {
					require.ErrorIs(t, err, wantErr)
					require.NoError(t, getErr, "a refused delete keeps the row")
					return
				}
				require.NoError(t, err)
				require.ErrorIs(t, getErr, ErrJobNotFound)
			})
		})
	}

	t.Run("missing", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			require.ErrorIs(t, repo.Delete(context.Background(), missingJobID), ErrJobNotFound)
		})
	})

	t.Run("keeps the recorded result", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			results := NewJobResultRepo(db)
			ctx := context.Background()
			job := create(t, repo, testutil.MailSendJobRequest("mail-0"))

			require.NoError(t, results.Upsert(ctx, core.UpsertJobResultParams{
				JobID:   job.ID,
				JobType: job.Type,
				Result:  []byte(`{"success": true}`),
			}))
			require.NoError(t, repo.Delete(ctx, job.ID))

			// job_results has no FK to jobs; the reaper ages it out separately.
			stored, err := results.GetByJobID(ctx, job.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.JobID)
			assert.Equal(t, job.ID, *stored.JobID)
		})
	})
}
