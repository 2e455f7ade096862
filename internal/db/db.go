package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// Registers "libsql" for remote URLs (libsql://, https://, wss://).
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Registers the pure-Go "sqlite" driver for local file: URLs.
	_ "modernc.org/sqlite"
)

// Driver names, package-level so tests can substitute a missing driver.
var (
	localDriver  = "sqlite"
	remoteDriver = "libsql"
)

// Connect opens the database at dbURL and verifies it with a ping.
//
// Supported URL schemes:
//
//	Local file:   "file:path/to/steward.db"
//	Remote Turso: "libsql://[db-name].turso.io?authToken=[token]"
func Connect(ctx context.Context, dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, errors.New("database URL must not be empty")
	}

	driver := DriverFor(dbURL)
	db, err := sql.Open(driver, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == localDriver {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// DriverFor picks the database/sql driver for dbURL.
func DriverFor(dbURL string) string {
	if strings.HasPrefix(dbURL, "file:") || !strings.Contains(dbURL, "://") {
		return localDriver
	}
	return remoteDriver
}

// versionsTable records, per component, how many of its migration
// statements have been applied.
const versionsTable = `CREATE TABLE IF NOT EXISTS schema_versions (
	component TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
)`

// Migrate brings component's schema up to date. stmts is the component's
// full, append-only migration list: statement i is version i+1, and only
// statements past the recorded version run. Everything happens in one
// transaction, so a failing statement leaves the schema and version as they
// were.
func Migrate(ctx context.Context, db *sql.DB, component string, stmts ...string) error {
	if component == "" {
		return fmt.Errorf("migrate: component must not be empty")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s: begin: %w", component, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, versionsTable); err != nil {
		return fmt.Errorf("migrate %s: versions table: %w", component, err)
	}
	var applied int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_versions WHERE component = ?`, component).Scan(&applied)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("migrate %s: read version: %w", component, err)
	}
	if applied > len(stmts) {
		return fmt.Errorf("migrate %s: database is at version %d, newer than this build (%d)", component, applied, len(stmts))
	}
	for i := applied; i < len(stmts); i++ {
		if _, err := tx.ExecContext(ctx, stmts[i]); err != nil {
			return fmt.Errorf("migrate %s: statement %d: %w", component, i+1, err)
		}
	}
	if applied < len(stmts) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_versions (component, version) VALUES (?, ?)
			 ON CONFLICT(component) DO UPDATE SET version = excluded.version`,
			component, len(stmts))
		if err != nil {
			return fmt.Errorf("migrate %s: record version: %w", component, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate %s: commit: %w", component, err)
	}
	return nil
}

// SchemaVersion reports how many of component's migrations have run.
func SchemaVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_versions WHERE component = ?`, component).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
		return 0, nil
	}
	return v, err
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
