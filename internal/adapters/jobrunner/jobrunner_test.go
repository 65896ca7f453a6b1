package jobrunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/mocks"
	"github.com/inter-actief/courier/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// quietWakeups never signals; workers only wake on cancellation.
type quietWakeups struct{}

func (quietWakeups) Subscribe(model.JobType) (func(), <-chan struct{}) {
	return func() {}, make(chan struct{})
}

func (quietWakeups) StopAll() {}

func newTestRunner(t *testing.T, repo *mocks.MockJobRepository, opts RunnerOptions) *Runner {
	t.Helper()
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Wakeups:      quietWakeups{},
	})
	require.NoError(t, err)
	opts.Jobs = jobs
	if opts.JobType == "" {
		opts.JobType = model.JobTypeMailSend
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	noop := func(context.Context, *model.Job) error { return nil }

	_, err := NewRunner(RunnerOptions{JobType: model.JobTypeMailSend, Handler: noop})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{JobsRepo: repo, JobType: "browser", Handler: noop})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{JobsRepo: repo, JobType: model.JobTypeExportRun})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{JobsRepo: repo, JobType: model.JobTypeExportRun, Handler: noop})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, r.lease)
	assert.Equal(t, 1, r.workers)
}

func TestRunner_ProcessJob(t *testing.T) {
	t.Run("success completes the job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		r := newTestRunner(t, repo, RunnerOptions{
			Handler: func(context.Context, *model.Job) error { return nil },
		})
		repo.EXPECT().Complete(gomock.Any(), "job-1").Return(true, nil)

		r.processJob(context.Background(), &model.Job{ID: "job-1", Type: model.JobTypeMailSend})
	})

	t.Run("handler error fails the job for retry", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		r := newTestRunner(t, repo, RunnerOptions{
			Handler: func(context.Context, *model.Job) error { return errors.New("record outcome: conn reset") },
		})
		repo.EXPECT().Fail(gomock.Any(), "job-2", "record outcome: conn reset").Return(true, nil)

		r.processJob(context.Background(), &model.Job{ID: "job-2", Type: model.JobTypeMailSend, MaxRetries: 3})
	})

	t.Run("timeout is reported as a failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		r := newTestRunner(t, repo, RunnerOptions{
			JobType: model.JobTypeExportRun,
			Timeout: 20 * time.Millisecond,
			Handler: func(ctx context.Context, _ *model.Job) error {
				<-ctx.Done()
				return ctx.Err()
			},
		})
		var msg string
		repo.EXPECT().Fail(gomock.Any(), "job-3", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, m string) (bool, error) {
				msg = m
				return true, nil
			})

		r.processJob(context.Background(), &model.Job{ID: "job-3", Type: model.JobTypeExportRun})
		assert.Contains(t, msg, "exceeded")
	})

	t.Run("panic is recovered and fails the job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		r := newTestRunner(t, repo, RunnerOptions{
			Handler: func(context.Context, *model.Job) error { panic("nil payload") },
		})
		repo.EXPECT().Fail(gomock.Any(), "job-4", gomock.Any()).Return(true, nil)

		r.processJob(context.Background(), &model.Job{ID: "job-4", Type: model.JobTypeMailSend})
	})

	t.Run("long jobs keep their lease", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockJobRepository(ctrl)
		r := newTestRunner(t, repo, RunnerOptions{
			JobType: model.JobTypeExportRun,
			Handler: func(context.Context, *model.Job) error {
				time.Sleep(60 * time.Millisecond)
				return nil
			},
		})
		r.heartbeat = 10 * time.Millisecond
		repo.EXPECT().Heartbeat(gomock.Any(), "job-5", gomock.Any()).Return(true, nil).MinTimes(1)
		repo.EXPECT().Complete(gomock.Any(), "job-5").Return(true, nil)

		r.processJob(context.Background(), &model.Job{ID: "job-5", Type: model.JobTypeExportRun})
	})
}

func TestRunner_RunDrainsQueueUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	r := newTestRunner(t, repo, RunnerOptions{
		JobType: model.JobTypeMailReport,
		Handler: func(context.Context, *model.Job) error {
			handled.Add(1)
			return nil
		},
	})

	gomock.InOrder(
		repo.EXPECT().ReserveNext(gomock.Any(), model.JobTypeMailReport, 30).
			Return(&model.Job{ID: "r-1", Type: model.JobTypeMailReport}, nil),
		repo.EXPECT().ReserveNext(gomock.Any(), model.JobTypeMailReport, 30).
			DoAndReturn(func(context.Context, model.JobType, int) (*model.Job, error) {
				cancel()
				return nil, model.ErrNoJobsAvailable
			}),
	)
	repo.EXPECT().Complete(gomock.Any(), "r-1").Return(true, nil)

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), handled.Load())
}
