package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

// Sentinels the admin API maps onto 404 and 409.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotDeletable = errors.New("only pending, completed or failed jobs can be deleted")
	ErrJobReserved     = errors.New("job is leased by a runner")
)

// RepoConfig tunes the queue.
type RepoConfig struct {
	// RetryDelaySeconds is how long a failed attempt waits before it is
	// runnable again. Zero means 30 seconds.
	RetryDelaySeconds int
	Logger            *slog.Logger
	Clock             Clock
}

// JobRepo is the Postgres job queue shared by the mail and export lanes.
type JobRepo struct {
	DB     *sql.DB
	cfg    RepoConfig
	clock  Clock
	logger *slog.Logger
}

// NewJobRepo builds the queue on db.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{DB: db, cfg: cfg, clock: clockOrSystem(cfg.Clock), logger: cfg.Logger}
}

const jobColumns = `
  id, type, status, priority, payload, metadata, workflow_id,
  scheduled_at, started_at, completed_at, retry_count, max_retries,
  last_error, lease_expires_at, created_at, updated_at`

// prefixedJobColumns is jobColumns for statements that alias jobs as j.
const prefixedJobColumns = `
  j.id, j.type, j.status, j.priority, j.payload, j.metadata, j.workflow_id,
  j.scheduled_at, j.started_at, j.completed_at, j.retry_count, j.max_retries,
  j.last_error, j.lease_expires_at, j.created_at, j.updated_at`
