package store

import (
	"database/sql"
	"fmt"

	"github.com/hyperengineering/tether/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations brings the database to the latest schema version from the
// embedded migration files. Goose's own logging is silenced; failures
// surface only through the returned error.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
