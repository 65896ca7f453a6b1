package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainjob "github.com/inter-actief/courier/internal/domain/job"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/mocks"
	"github.com/inter-actief/courier/internal/observability/notify"
	"github.com/inter-actief/courier/internal/service/failurenotifier"
)

// stubWakeups hands out a fixed channel and counts StopAll calls.
type stubWakeups struct {
	mu         sync.Mutex
	subscribed []model.JobType
	ch         chan struct{}
	stopped    int
}

func (s *stubWakeups) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, jobType)
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	return func() {}, s.ch
}

func (s *stubWakeups) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

var _ domainjob.Wakeups = (*stubWakeups)(nil)

type alertCapture struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (c *alertCapture) SendAlert(_ context.Context, a notify.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestJobService(t *testing.T, repo *mocks.MockJobRepository, mutate ...func(*JobServiceOptions)) (*JobService, *stubWakeups) {
	t.Helper()
	wakeups := &stubWakeups{}
	opts := JobServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		TypeLeases:   domainjob.LanesLeases(20*time.Second, 2*time.Minute),
		Wakeups:      wakeups,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewJobService(opts)
	require.NoError(t, err)
	return svc, wakeups
}

func withAlerts(capture *alertCapture) func(*JobServiceOptions) {
	return func(o *JobServiceOptions) {
		o.FailureNotifier = failurenotifier.NewService(failurenotifier.Options{
			Sinks: []failurenotifier.SinkRegistration{{Name: "capture", Sink: capture}},
		})
	}
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	_, err := NewJobService(JobServiceOptions{DefaultLease: time.Second})
	require.Error(t, err)

	_, err = NewJobService(JobServiceOptions{Repo: repo})
	require.ErrorIs(t, err, domainjob.ErrInvalidDefaultLease)

	svc, err := NewJobService(JobServiceOptions{Repo: repo, DefaultLease: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &domainjob.Hub{}, svc.wakeups, "the repository listener backs the default hub")

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{Repo: repo}) })
}

func TestJobService_Create(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	req := &model.CreateJobRequest{Type: model.JobTypeMailSend, Payload: json.RawMessage(`{"unit_id":"mail-0"}`)}
	want := &model.Job{ID: "job-123", Type: model.JobTypeMailSend, Status: model.JobStatusPending}
	repo.EXPECT().Create(gomock.Any(), req).Return(want, nil)

	job, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, want, job)

	repo.EXPECT().Create(gomock.Any(), req).Return(nil, errors.New("db down"))
	_, err = svc.Create(context.Background(), req)
	require.ErrorContains(t, err, "create job")
}

func TestJobService_ReserveNext_LaneLeases(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	tests := []struct {
		name    string
		jobType model.JobType
		lease   time.Duration
		seconds int
	}{
		{"mail lane", model.JobTypeMailSend, 0, 20},
		{"export lane", model.JobTypeExportRun, 0, 120},
		{"explicit lease", model.JobTypeExportRun, time.Minute, 60},
		{"sub-second raised", model.JobTypeMailReport, 500 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := &model.Job{ID: "job-1", Type: tt.jobType, Status: model.JobStatusRunning}
			repo.EXPECT().ReserveNext(gomock.Any(), tt.jobType, tt.seconds).Return(want, nil)

			job, err := svc.ReserveNext(context.Background(), tt.jobType, tt.lease)
			require.NoError(t, err)
			assert.Equal(t, want, job)
		})
	}
}

func TestJobService_Heartbeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	repo.EXPECT().Heartbeat(gomock.Any(), "job-123", 60).Return(true, nil)
	repo.EXPECT().Heartbeat(gomock.Any(), "job-123", 30).Return(true, nil)
	repo.EXPECT().Heartbeat(gomock.Any(), "job-123", 1).Return(false, nil)

	for _, extend := range []time.Duration{time.Minute, 0, 750 * time.Millisecond} {
		_, err := svc.Heartbeat(context.Background(), "job-123", extend)
		require.NoError(t, err)
	}
}

func TestJobService_CompleteAndFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	repo.EXPECT().Complete(gomock.Any(), "job-1").Return(true, nil)
	completed, err := svc.Complete(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, completed)

	repo.EXPECT().Fail(gomock.Any(), "job-2", "smtp timeout").Return(true, nil)
	failed, err := svc.Fail(context.Background(), "job-2", "smtp timeout")
	require.NoError(t, err)
	assert.True(t, failed)

	_, err = svc.Fail(context.Background(), "job-2", "")
	require.ErrorContains(t, err, "error message required")
}

func exportRunJob(t *testing.T, retryCount, maxRetries int) *model.Job {
	t.Helper()
	wf := "4d7c8f8e-4c1b-4f7e-9d55-0d9e3c7f1a21"
	payload, err := json.Marshal(model.ExportRunPayload{
		WorkflowID:  wf,
		UnitID:      "export-2",
		ExportID:    "export-1",
		Application: model.AppGitLab,
	})
	require.NoError(t, err)
	return &model.Job{
		ID:         "job-7",
		Type:       model.JobTypeExportRun,
		Payload:    payload,
		WorkflowID: &wf,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
	}
}

func TestJobService_FailWithDetails_AlertsOnLastAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	capture := &alertCapture{}
	svc, _ := newTestJobService(t, repo, withAlerts(capture))

	job := exportRunJob(t, 2, 3)
	repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), job.ID, "gitlab unreachable").Return(true, nil)

	failed, err := svc.FailWithDetails(context.Background(), job.ID, "gitlab unreachable",
		JobFailureDetails{ErrorClass: "network"})
	require.NoError(t, err)
	require.True(t, failed)

	require.Len(t, capture.alerts, 1)
	a := capture.alerts[0]
	assert.Equal(t, "job-7", a.JobID)
	assert.Equal(t, "export_run", a.JobType)
	assert.Equal(t, "export", a.Pipeline)
	assert.Equal(t, *job.WorkflowID, a.WorkflowID)
	assert.Equal(t, "export-2", a.UnitID)
	assert.Equal(t, string(model.AppGitLab), a.Target)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, "network", a.ErrorClass)
	assert.Equal(t, notify.SeverityCritical, a.Severity)
}

func TestJobService_FailWithDetails_MailTargetIsRecipient(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	capture := &alertCapture{}
	svc, _ := newTestJobService(t, repo, withAlerts(capture))

	payload, err := json.Marshal(model.MailSendPayload{
		UnitID:    "mail-4",
		Recipient: model.RecipientPayload{To: []string{"alice@example.com"}},
	})
	require.NoError(t, err)
	job := &model.Job{ID: "job-8", Type: model.JobTypeMailSend, Payload: payload, MaxRetries: 1}
	repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), job.ID, "550 rejected").Return(true, nil)

	_, err = svc.Fail(context.Background(), job.ID, "550 rejected")
	require.NoError(t, err)

	require.Len(t, capture.alerts, 1)
	assert.Equal(t, "mail", capture.alerts[0].Pipeline)
	assert.Equal(t, "mail-4", capture.alerts[0].UnitID)
	assert.Equal(t, "alice@example.com", capture.alerts[0].Target)
}

func TestJobService_FailWithDetails_RetryIsNotAlerted(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	capture := &alertCapture{}
	svc, _ := newTestJobService(t, repo, withAlerts(capture))

	job := exportRunJob(t, 0, 3)
	repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(job, nil)
	repo.EXPECT().Fail(gomock.Any(), job.ID, "timeout").Return(true, nil)

	failed, err := svc.Fail(context.Background(), job.ID, "timeout")
	require.NoError(t, err)
	require.True(t, failed)
	assert.Empty(t, capture.alerts)
}

func TestJobService_FailWithDetails_WithoutNotifierSkipsLookup(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	repo.EXPECT().Fail(gomock.Any(), "job-1", "boom").Return(true, nil)
	_, err := svc.Fail(context.Background(), "job-1", "boom")
	require.NoError(t, err)
}

func TestJobService_Reads(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)
	ctx := context.Background()

	completedAt := time.Now()
	done := &model.Job{ID: "job-123", Status: model.JobStatusCompleted, CompletedAt: &completedAt}
	repo.EXPECT().GetByID(gomock.Any(), "job-123").Return(done, nil).Times(2)

	job, err := svc.GetByID(ctx, "job-123")
	require.NoError(t, err)
	assert.Equal(t, done, job)

	status, err := svc.GetStatus(ctx, "job-123")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, status.Status)
	assert.Equal(t, &completedAt, status.CompletedAt)

	stats := &model.JobStats{Pending: 5, Running: 2, Completed: 10, Failed: 1}
	repo.EXPECT().Stats(gomock.Any(), model.JobTypeExportRun).Return(stats, nil)
	got, err := svc.Stats(ctx, model.JobTypeExportRun)
	require.NoError(t, err)
	assert.Equal(t, stats, got)

	repo.EXPECT().List(gomock.Any(), &model.JobListOptions{}).Return(nil, errors.New("database error"))
	_, err = svc.List(ctx, nil)
	require.ErrorContains(t, err, "list jobs")
}

func TestJobService_Delete(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, _ := newTestJobService(t, repo)

	repo.EXPECT().Delete(gomock.Any(), "job-123").Return(nil)
	require.NoError(t, svc.Delete(context.Background(), "job-123"))

	require.ErrorContains(t, svc.Delete(context.Background(), ""), "job id is required")

	repo.EXPECT().Delete(gomock.Any(), "job-456").Return(errors.New("job is leased"))
	require.ErrorContains(t, svc.Delete(context.Background(), "job-456"), "delete job")
}

func TestJobService_WakeupsPassThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc, wakeups := newTestJobService(t, repo)

	unsub, ch := svc.Subscribe(model.JobTypeExportZip)
	defer unsub()
	wakeups.ch <- struct{}{}
	<-ch
	assert.Equal(t, []model.JobType{model.JobTypeExportZip}, wakeups.subscribed)

	svc.StopAllListeners()
	assert.Equal(t, 1, wakeups.stopped)
}
