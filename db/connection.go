// Package db manages the fleetq SQLite database.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/robofleet/fleetq/errors"
)

// Open opens the fleetq database with the pragmas the claim and lease
// statements rely on: WAL so robots keep reading while a claim commits, and
// a busy timeout so competing claimants queue inside the store instead of
// surfacing SQLITE_BUSY to the protocol layer.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if logger != nil {
		logger.Debugw("Database opened",
			"path", path,
			"journal_mode", "wal",
			"busy_timeout_ms", 5000,
		)
	}

	return db, nil
}
