package jobrunner

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/inter-actief/courier/internal/data"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_DeadUnitStillSatisfiesBarrier(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	handlers := map[string]HandlerFunc{
		"panic": func(context.Context, *model.Job) error { panic("nil recipient") },
		"undecodable payload": func(_ context.Context, job *model.Job) error {
			var p struct {
				UnitID int `json:"unit_id"`
			}
			return json.Unmarshal(job.Payload, &p)
		},
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				ctx := context.Background()
				jobs := data.NewJobRepo(db, data.RepoConfig{})
				workflows := data.NewWorkflowRepo(db, data.WorkflowRepoOptions{Jobs: jobs})

				unit := testutil.MailSendJobRequest("mail-0")
				unit.MaxRetries = 1
				wf, err := workflows.Submit(ctx, &model.SubmitWorkflowRequest{
					Kind: model.WorkflowKindMail,
					Units: []model.UnitSubmission{{
						Unit: model.WorkflowUnit{UnitID: "mail-0", Target: "member0@example.com"},
						Job:  *unit,
					}},
					Aggregate: model.CreateJobRequest{Type: model.JobTypeMailReport, Payload: json.RawMessage(`{}`)},
				})
				require.NoError(t, err)

				r, err := NewRunner(RunnerOptions{JobsRepo: jobs, JobType: model.JobTypeMailSend, Handler: handler})
				require.NoError(t, err)
				job, err := jobs.ReserveNext(ctx, model.JobTypeMailSend, 30)
				require.NoError(t, err)
				r.processJob(ctx, job)

				stored, err := workflows.GetByID(ctx, wf.ID)
				require.NoError(t, err)
				assert.Equal(t, 0, stored.Remaining)
				require.NotNil(t, stored.AggregateJobID)

				o, err := workflows.UnitOutcome(ctx, wf.ID, "mail-0")
				require.NoError(t, err)
				require.NotNil(t, o)
				assert.False(t, o.Success)
				assert.NotEmpty(t, o.Error)
			})
		})
	}
}
