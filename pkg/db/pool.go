// Package db persists dispatched calls in PostgreSQL via pgx.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// ApplicationName tags bridge sessions in pg_stat_activity.
const ApplicationName = "device-bridge"

// NewPool connects to databaseURL and pings it. Call logging is low volume, so the pool is small.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New(logPrefix + " - database URL is empty")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnIdleTime = 5 * time.Minute
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping %s: %w", logPrefix, config.ConnConfig.Database, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to %s on %s", logPrefix, config.ConnConfig.Database, config.ConnConfig.Host))
	return pool, nil
}

const schemaMigrationsTable = "bridge_schema_migrations"

// MigrationState pairs a migration file with whether the database has applied it.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
}

// Applied reports whether the migration has run.
func (s MigrationState) Applied() bool { return s.AppliedAt != nil }

// Migrate applies every migration not yet recorded in bridge_schema_migrations, each in its
// own transaction, and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+schemaMigrationsTable+` (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to create %s: %w", logPrefix, schemaMigrationsTable, err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+schemaMigrationsTable+` (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%s - migration %03d_%s failed: %w", logPrefix, m.Version, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied migration %03d_%s", logPrefix, m.Version, m.Name))
		ran++
	}

	if ran == 0 {
		slog.Info(fmt.Sprintf("%s - Schema up to date (%d migrations)", logPrefix, len(migrations)))
	}
	return ran, nil
}

// MigrationStatus reports, for every migration, whether and when it was applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]MigrationState, error) {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, schemaMigrationsTable).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}

	applied := map[int]time.Time{}
	if exists {
		var err error
		if applied, err = appliedVersions(ctx, pool); err != nil {
			return nil, err
		}
	}

	out := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationState{Migration: m}
		if at, ok := applied[m.Version]; ok {
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]time.Time, error) {
	rows, err := pool.Query(ctx, `SELECT version, applied_at FROM `+schemaMigrationsTable)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, schemaMigrationsTable, err)
	}
	defer rows.Close()

	out := map[int]time.Time{}
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("%s - scan %s: %w", logPrefix, schemaMigrationsTable, err)
		}
		out[v] = at
	}
	return out, rows.Err()
}
