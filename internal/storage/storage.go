// Package storage opens the database/sql handles shared by every store
// (eventlog, projection, outbox). It centralizes the SQLite pragmas and
// connection-pool settings that make writes deterministic, and leaves the
// door open to other database/sql drivers via Open's driver argument.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open. SQLite is the only driver exercised by the
// test suite. Open also accepts Postgres and MySQL, but the store packages'
// SQL is written in SQLite's dialect (? placeholders, INSERT OR IGNORE,
// sqlite_master lookups), so the stores as written run only on SQLite.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// Open returns a *sql.DB configured for the given driver and DSN. For
// SQLite, it pins the pool to a single connection and enables WAL,
// busy_timeout, and foreign_keys — the combination that makes writes
// serialize deterministically instead of failing under SQLITE_BUSY.
// Networked drivers get a small pool instead, since they have no
// single-writer constraint.
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver != DriverSQLite {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		return db, nil
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// EnsureColumn adds column to table with definition if it is not already
// present. Stores use this for additive, backward-compatible schema
// changes instead of a full migration when a new nullable field is added.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := HasColumn(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, definition))
	return err
}

// HasColumn reports whether table already has column, via PRAGMA
// table_info. Driver-specific: callers on non-SQLite backends should use
// information_schema instead.
func HasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			typeName string
			notNull  int
			defaultV sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultV, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
