package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/device-bridge/pkg/dispatcher"
)

const repoLogPrefix = "db:repository"

// DefaultListLimit caps ListRecentCalls when no limit is given.
const DefaultListLimit = 50

// Repository persists dispatched calls. It implements dispatcher.RecordStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ dispatcher.RecordStore = (*Repository)(nil)

// InsertCallLog stores one dispatch record.
func (r *Repository) InsertCallLog(ctx context.Context, rec *dispatcher.CallRecord) error {
	var errText *string
	if rec.Error != "" {
		e := rec.Error
		errText = &e
	}
	var commandID *string
	if rec.CommandID != "" {
		id := rec.CommandID
		commandID = &id
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_logs (command_id, action, transport, success, duration_ms, error, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		commandID, rec.Action, string(rec.Transport), rec.Success, rec.DurationMs, errText, rec.At)
	if err != nil {
		return fmt.Errorf("%s - insert call log: %w", repoLogPrefix, err)
	}
	return nil
}

// ListRecentCalls returns the newest calls first, optionally filtered by action.
func (r *Repository) ListRecentCalls(ctx context.Context, action string, limit int) ([]CallLog, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	slog.Debug(fmt.Sprintf("%s - ListRecentCalls action=%q limit=%d", repoLogPrefix, action, limit))

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, COALESCE(command_id, ''), action, transport, success, duration_ms, error, created
		 FROM call_logs
		 WHERE ($1 = '' OR action = $1)
		 ORDER BY created DESC
		 LIMIT $2`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list calls: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []CallLog
	for rows.Next() {
		var c CallLog
		if err := rows.Scan(&c.ID, &c.CommandID, &c.Action, &c.Transport, &c.Success, &c.DurationMs, &c.Error, &c.Created); err != nil {
			return nil, fmt.Errorf("%s - scan call: %w", repoLogPrefix, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CallStatsByAction aggregates call counts per action, busiest first.
func (r *Repository) CallStatsByAction(ctx context.Context) ([]CallStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT action, COUNT(*), COUNT(*) FILTER (WHERE NOT success), COALESCE(AVG(duration_ms), 0)::bigint
		 FROM call_logs
		 GROUP BY action
		 ORDER BY COUNT(*) DESC, action`)
	if err != nil {
		return nil, fmt.Errorf("%s - call stats: %w", repoLogPrefix, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallStats, error) {
		var s CallStats
		err := row.Scan(&s.Action, &s.Calls, &s.Failures, &s.AvgMs)
		return s, err
	})
}

// ClearCallLogs removes every call record. Schema is preserved.
func (r *Repository) ClearCallLogs(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Clearing call_logs", repoLogPrefix))
	if _, err := r.pool.Exec(ctx, `TRUNCATE TABLE call_logs`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", repoLogPrefix, err)
	}
	return nil
}
