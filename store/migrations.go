package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate runs the schema migrations using golang-migrate. The url is either
// a postgres:// connection URL or a sqlite file path.
func Migrate(driver, url string) error {
	d, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}

	if driver == "sqlite" {
		url = "sqlite://" + url
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, url)
	if err != nil {
		return fmt.Errorf("error creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// ApplySchema executes the initial schema directly on an open handle. Used by
// in-memory test stores where golang-migrate cannot attach to the same
// connection.
func ApplySchema(db *sql.DB) error {
	schema, err := migrationFS.ReadFile("migrations/000001_init.up.sql")
	if err != nil {
		return err
	}
	if _, err := db.Exec(string(schema)); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}
