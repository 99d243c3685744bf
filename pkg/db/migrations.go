package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const migrationsLogPrefix = "db:migrations"

// migrationFileName is <version>_<name>.sql, e.g. 001_call_logs.sql.
var migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one versioned schema file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// LoadMigrations reads every .sql file in dir and returns them ordered by version.
// Files that do not follow the <version>_<name>.sql pattern and repeated versions are errors.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		m := migrationFileName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("%s - %s: want <version>_<name>.sql", migrationsLogPrefix, e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%s - %s: version must be a positive integer", migrationsLogPrefix, e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%s - version %d used by both %s and %s", migrationsLogPrefix, version, prev, e.Name())
		}
		seen[version] = e.Name()

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: m[2], SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	slog.Debug(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}
