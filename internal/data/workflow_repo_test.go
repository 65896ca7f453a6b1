package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/testutil"
)

func mailWorkflowRequest(n int) *model.SubmitWorkflowRequest {
	req := &model.SubmitWorkflowRequest{
		Kind: model.WorkflowKindMail,
		Aggregate: model.CreateJobRequest{
			Type:    model.JobTypeMailReport,
			Payload: json.RawMessage(`{"subject":"Newsletter"}`),
		},
	}
	for i := range n {
		unitID := fmt.Sprintf("mail-%d", i)
		req.Units = append(req.Units, model.UnitSubmission{
			Unit: model.WorkflowUnit{UnitID: unitID, Target: fmt.Sprintf("member%d@example.com", i)},
			Job: model.CreateJobRequest{
				Type:    model.JobTypeMailSend,
				Payload: json.RawMessage(fmt.Sprintf(`{"unit_id":%q}`, unitID)),
			},
		})
	}
	return req
}

func TestWorkflowRepo_SubmitEnqueuesEveryUnit(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		wf, err := repo.Submit(ctx, mailWorkflowRequest(3))
		require.NoError(t, err)
		assert.Equal(t, 3, wf.Total)
		assert.Equal(t, 3, wf.Remaining)
		assert.Nil(t, wf.AggregateJobID)
		assert.Nil(t, wf.CompletedAt)
		require.Len(t, wf.Units, 3)
		assert.Equal(t, "member0@example.com", wf.Units[0].Target)

		units, err := jobs.List(ctx, &model.JobListOptions{WorkflowID: &wf.ID, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, units, 3)
		for _, j := range units {
			assert.Equal(t, model.JobTypeMailSend, j.Type)
			assert.Equal(t, model.JobStatusPending, j.Status)
		}

		// No aggregate exists until the barrier is satisfied.
		reportType := model.JobTypeMailReport
		reports, err := jobs.List(ctx, &model.JobListOptions{Type: &reportType})
		require.NoError(t, err)
		assert.Empty(t, reports)
	})
}

func TestWorkflowRepo_SubmitIsAtomic(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		req := mailWorkflowRequest(2)
		req.ID = uuid.NewString()
		_, err := repo.Submit(ctx, req)
		require.NoError(t, err)

		_, err = repo.Submit(ctx, req)
		require.ErrorIs(t, err, ErrWorkflowExists)

		units, err := jobs.List(ctx, &model.JobListOptions{WorkflowID: &req.ID, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, units, 2, "a rejected submission leaves no unit jobs behind")

		bad := mailWorkflowRequest(1)
		bad.ID = "not-a-uuid"
		_, err = repo.Submit(ctx, bad)
		require.Error(t, err)
	})
}

func TestWorkflowRepo_RecordOutcomeEnqueuesAggregateOnce(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		wf, err := repo.Submit(ctx, mailWorkflowRequest(2))
		require.NoError(t, err)

		res, err := repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			WorkflowID: wf.ID,
			Outcome:    model.Outcome{UnitID: "mail-0", Target: "member0@example.com", Success: true},
		})
		require.NoError(t, err)
		assert.True(t, res.Recorded)
		assert.Equal(t, 1, res.Remaining)
		assert.Nil(t, res.AggregateJobID)

		// Redelivery of the same unit does not count twice.
		res, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			WorkflowID: wf.ID,
			Outcome:    model.Outcome{UnitID: "mail-0", Target: "member0@example.com", Error: "late retry"},
		})
		require.NoError(t, err)
		assert.False(t, res.Recorded)
		assert.Equal(t, 1, res.Remaining)

		res, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			WorkflowID: wf.ID,
			Outcome:    model.Outcome{UnitID: "mail-1", Target: "member1@example.com", Error: "550 mailbox unavailable"},
		})
		require.NoError(t, err)
		assert.True(t, res.Recorded)
		assert.Equal(t, 0, res.Remaining)
		require.NotNil(t, res.AggregateJobID)

		agg, err := jobs.GetByID(ctx, *res.AggregateJobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobTypeMailReport, agg.Type)
		assert.JSONEq(t, `{"subject":"Newsletter"}`, string(agg.Payload))
		require.NotNil(t, agg.WorkflowID)
		assert.Equal(t, wf.ID, *agg.WorkflowID)

		outcomes, err := repo.Outcomes(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		byUnit := map[string]model.Outcome{}
		for _, o := range outcomes {
			byUnit[o.UnitID] = o
		}
		assert.True(t, byUnit["mail-0"].Success, "first recorded outcome wins")
		assert.Empty(t, byUnit["mail-0"].Error)
		assert.Equal(t, "550 mailbox unavailable", byUnit["mail-1"].Error)

		stored, err := repo.GetByID(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, *res.AggregateJobID, *stored.AggregateJobID)
	})
}

func TestWorkflowRepo_ConcurrentReportersSatisfyBarrierOnce(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		const units = 8
		wf, err := repo.Submit(ctx, mailWorkflowRequest(units))
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			aggregates []string
			errs       []error
		)
		for i := range units {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, recErr := repo.RecordOutcome(ctx, core.RecordOutcomeParams{
					WorkflowID: wf.ID,
					Outcome:    model.Outcome{UnitID: fmt.Sprintf("mail-%d", i), Success: true},
				})
				mu.Lock()
				defer mu.Unlock()
				if recErr != nil {
					errs = append(errs, recErr)
					return
				}
				if res.Remaining == 0 && res.AggregateJobID != nil {
					aggregates = append(aggregates, *res.AggregateJobID)
				}
			}(i)
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, aggregates, 1, "exactly one reporter observes the barrier")

		reportType := model.JobTypeMailReport
		reports, err := jobs.List(ctx, &model.JobListOptions{Type: &reportType, WorkflowID: &wf.ID})
		require.NoError(t, err)
		assert.Len(t, reports, 1)
	})
}

func TestWorkflowRepo_RecordOutcomeRejectsUnknownUnits(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		wf, err := repo.Submit(ctx, mailWorkflowRequest(1))
		require.NoError(t, err)

		_, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			WorkflowID: wf.ID,
			Outcome:    model.Outcome{UnitID: "mail-99"},
		})
		require.ErrorIs(t, err, ErrUnknownUnit)

		_, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			WorkflowID: uuid.NewString(),
			Outcome:    model.Outcome{UnitID: "mail-0"},
		})
		require.ErrorIs(t, err, ErrWorkflowNotFound)

		_, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{Outcome: model.Outcome{UnitID: "mail-0"}})
		require.ErrorIs(t, err, ErrWorkflowIDRequired)
	})
}

func TestWorkflowRepo_MarkCompleteOnce(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobs := NewJobRepo(db, RepoConfig{})
		repo := NewWorkflowRepo(db, WorkflowRepoOptions{Jobs: jobs})
		ctx := context.Background()

		wf, err := repo.Submit(ctx, mailWorkflowRequest(1))
		require.NoError(t, err)

		ok, err := repo.MarkComplete(ctx, wf.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.MarkComplete(ctx, wf.ID)
		require.NoError(t, err)
		assert.False(t, ok, "a second aggregator run finds the workflow already complete")

		_, err = repo.GetByID(ctx, "nope")
		require.ErrorIs(t, err, ErrWorkflowNotFound)
	})
}
