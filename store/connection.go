package store

import (
	"database/sql"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store issues row-level queries against the external relational store. Every
// query is a single-table select with equality/IN/range filters, an ordered
// offset+limit scan, a grouped count, or at most one join to a name table.
// Multi-hop joins and window functions are never used.
type Store struct {
	db     *sql.DB
	flavor sqlbuilder.Flavor
}

// Open connects to the store. Driver is "postgres" for the managed deployment
// or "sqlite" for local development and tests.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect store: %w", err)
		}

		// Set connection pool settings
		db.SetMaxOpenConns(20)           // Allow multiple concurrent operations
		db.SetMaxIdleConns(10)           // Keep some connections ready
		db.SetConnMaxLifetime(time.Hour) // Recreate connections after an hour
		db.SetConnMaxIdleTime(time.Hour) // Close idle connections after an hour

		return &Store{db: db, flavor: sqlbuilder.PostgreSQL}, nil
	case "sqlite":
		db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to connect store: %w", err)
		}

		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)

		if _, err := db.Exec(`
			PRAGMA busy_timeout = 5000;
			PRAGMA synchronous = NORMAL;
			PRAGMA cache_size = -32000; -- 32MB cache
			PRAGMA temp_store = MEMORY;
		`); err != nil {
			return nil, fmt.Errorf("failed to set pragmas: %w", err)
		}

		return &Store{db: db, flavor: sqlbuilder.SQLite}, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) selectBuilder() *sqlbuilder.SelectBuilder {
	return s.flavor.NewSelectBuilder()
}
