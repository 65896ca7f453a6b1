package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/core"
)

type idleRepo struct{ sweeps chan struct{} }

func (r idleRepo) FailStalePendingJobs(context.Context, time.Duration, int) (int64, error) {
	select {
	case r.sweeps <- struct{}{}:
	default:
	}
	return 0, nil
}

func (idleRepo) DeleteOldJobs(context.Context, core.DeleteOldJobsParams) (int64, error) {
	return 0, nil
}

func (idleRepo) DeleteOldJobResults(context.Context, core.DeleteOldJobResultsParams) (int64, error) {
	return 0, nil
}

func (idleRepo) DeleteOldWorkflows(context.Context, core.DeleteOldWorkflowsParams) (int64, error) {
	return 0, nil
}

func TestNewRunner_NeedsStorage(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.EqualError(t, err, "reaper needs a database or a repository")
}

func TestRunner_SweepsUntilCancelled(t *testing.T) {
	repo := idleRepo{sweeps: make(chan struct{}, 1)}
	r, err := NewRunner(RunnerOptions{Repo: repo, Config: config.ReaperConfig{Interval: 100 * time.Millisecond, BatchSize: 10}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-repo.sweeps:
	case <-time.After(2 * time.Second):
		t.Fatal("no sweep ran")
	}
	cancel()
	require.NoError(t, <-done)
}
