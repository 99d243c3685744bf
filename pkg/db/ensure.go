package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

// Postgres identifiers are at most 63 bytes.
var databaseNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ensureTarget is the database named by a URL plus the maintenance URL used to create it.
type ensureTarget struct {
	name           string
	maintenanceURL string
}

func parseEnsureTarget(databaseURL string) (*ensureTarget, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("%s - unsupported scheme %q", ensureLogPrefix, u.Scheme)
	}
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if name == "" {
		return nil, errors.New(ensureLogPrefix + " - database name empty in URL")
	}
	if !databaseNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%s - database name %q must be letters, digits and underscores", ensureLogPrefix, name)
	}

	maintenance := *u
	maintenance.Path = "/postgres"
	return &ensureTarget{name: name, maintenanceURL: maintenance.String()}, nil
}

// EnsureDatabase creates the database named in databaseURL when missing and enables pgcrypto
// in it. The connecting role needs CREATEDB on first run.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	target, err := parseEnsureTarget(databaseURL)
	if err != nil {
		return err
	}

	admin, err := pgx.Connect(ctx, target.maintenanceURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to maintenance database: %w", ensureLogPrefix, err)
	}
	defer admin.Close(ctx)

	var exists bool
	if err := admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, target.name).Scan(&exists); err != nil {
		return fmt.Errorf("%s - failed to check database %q: %w", ensureLogPrefix, target.name, err)
	}
	if !exists {
		slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, target.name))
		if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{target.name}.Sanitize()); err != nil {
			return fmt.Errorf("%s - CREATE DATABASE %q: %w", ensureLogPrefix, target.name, err)
		}
	}

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %q: %w", ensureLogPrefix, target.name, err)
	}
	defer conn.Close(ctx)

	// gen_random_uuid() for call_logs ids
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("%s - CREATE EXTENSION pgcrypto: %w", ensureLogPrefix, err)
	}
	return nil
}
