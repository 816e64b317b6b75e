package commands

import (
	"database/sql"

	"github.com/robofleet/fleetq/config"
	"github.com/robofleet/fleetq/db"
	"github.com/robofleet/fleetq/errors"
	"github.com/robofleet/fleetq/logger"
)

// openDatabase loads configuration, opens the fleetq database, and applies
// pending migrations. Callers own closing the returned handle.
func openDatabase() (*sql.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, errors.Wrap(err, "failed to migrate database")
	}

	return database, cfg, nil
}

// truncate shortens a string for table display.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
