// Package db opens the audit store and manages its schema. Migrations are
// embedded with go:embed and applied through golang-migrate; the append-only
// guards they install are checked before the server accepts traffic.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Triggers that keep audit_logs append-only and stop acknowledged alerts from
// being rewritten. Both are created by migration 000003.
var guardTriggers = map[string]string{
	"trg_audit_logs_append_only": "audit_logs",
	"trg_critical_alerts_guard":  "critical_alerts",
}

// ErrGuardMissing is returned by EnsureAppendOnly when a tamper guard trigger
// is absent or disabled.
var ErrGuardMissing = errors.New("audit tamper guard missing")

// Connect opens a pooled PostgreSQL handle and pings it under ctx.
func Connect(ctx context.Context, dsn string, maxConnections, minIdleConnections int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConnections)
	db.SetMaxIdleConns(minIdleConnections)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations moves the schema "up" to the latest version or "down" to empty.
func RunMigrations(db *sql.DB, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid migration direction: %s (must be 'up' or 'down')", direction)
	}
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations %s: %w", direction, err)
	}
	return nil
}

// GetMigrationVersion returns the applied schema version; 0 when none is.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// EnsureAppendOnly verifies that the tamper guard triggers exist and are
// enabled. A store without them would accept UPDATE and DELETE on the trail.
func EnsureAppendOnly(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT t.tgname, c.relname
		   FROM pg_trigger t
		   JOIN pg_class c ON c.oid = t.tgrelid
		  WHERE NOT t.tgisinternal AND t.tgenabled <> 'D'`)
	if err != nil {
		return fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var name, table string
		if err := rows.Scan(&name, &table); err != nil {
			return fmt.Errorf("failed to scan trigger: %w", err)
		}
		found[name] = table
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list triggers: %w", err)
	}

	for name, table := range guardTriggers {
		if found[name] != table {
			return fmt.Errorf("%w: %s on %s", ErrGuardMissing, name, table)
		}
	}
	return nil
}
