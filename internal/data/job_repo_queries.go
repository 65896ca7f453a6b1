package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/inter-actief/courier/internal/data/pgxutil"
	"github.com/inter-actief/courier/internal/domain/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// jobListQuery renders the List statement with pgx named arguments. Empty
// filters are left out.
func jobListQuery(opts *model.JobListOptions) (string, pgx.NamedArgs) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args := pgx.NamedArgs{
		"limit":  min(limit, maxListLimit),
		"offset": max(opts.Offset, 0),
	}

	var where []string
	filter := func(column, value string) {
		if value == "" {
			return
		}
		where = append(where, column+" = @"+column)
		args[column] = value
	}
	if opts.Status != nil {
		filter("status", string(*opts.Status))
	}
	if opts.Type != nil {
		filter("type", string(*opts.Type))
	}
	if opts.WorkflowID != nil {
		filter("workflow_id", *opts.WorkflowID)
	}

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT @limit OFFSET @offset")
	return b.String(), args
}

// List returns jobs matching the optional filters, newest first.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	query, args := jobListQuery(opts)

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		jobs, err = pgx.CollectRows(rows, collectJob)
		if err != nil {
			return fmt.Errorf("scan jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
