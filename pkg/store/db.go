// Package store opens the relational database shared by the durable cache,
// webhook and session stores.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Drivers maps configured driver names to registered database/sql drivers.
var Drivers = map[string]string{
	"sqlite":   "sqlite",
	"postgres": "postgres",
}

// Open connects to the database named by driver and dsn. SQLite is limited
// to a single connection so writers never see SQLITE_BUSY.
func Open(driver, dsn string) (*sqlx.DB, error) {
	name, ok := Drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	return db, nil
}

// Migrate runs each schema statement in order.
func Migrate(ctx context.Context, db *sqlx.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Millis converts t to unix milliseconds, the storage form of every
// timestamp column.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
