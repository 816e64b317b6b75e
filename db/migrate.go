package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/robofleet/fleetq/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "sqlite/migrations"

// Migrate applies pending schema migrations in version order. Each file runs
// in its own transaction and is recorded in schema_migrations, so a fleet
// node restarting against an already-migrated database is a no-op.
// A nil logger runs silently (tests).
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrationFS.ReadDir(migrationsDir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// 000 creates schema_migrations itself and must sort first
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// schema_migrations missing is only legitimate before 000 runs
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying schema migration", "file", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if logger != nil && applied > 0 {
		logger.Infow("Schema up to date", "applied", applied, "total", len(files))
	}

	return nil
}
