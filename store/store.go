// Package store is the row-store gateway: a pooled SQLite connection
// plus the migration runner and WAL-tuned PRAGMAs.
// It is the single writer-of-record for raw_events, error_aggregates,
// event_counts_hourly, sample_occurrences, status_changes, llm_traces,
// llm_spans, llm_usage_hourly, and every settings/override/cooldown
// table the rest of bloop reads and writes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas are applied to every new connection.
const pragmas = "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on" +
	"&_busy_timeout=5000&_cache_size=-65536&_temp_store=MEMORY"

// DB wraps the pooled *sql.DB used for all row-store reads and writes.
type DB struct {
	*sql.DB
	Path string // filesystem path to the SQLite file, for the read-only DuckDB attach
}

// Open creates (if needed) and opens the SQLite row store at path,
// applies PRAGMAs, and returns a pooled handle. Writes are serialized
// by SQLite's single-writer model, so MaxOpenConns is capped at 1 for
// writers; callers needing concurrent reads should use a second
// read-only connection (see analyticsengine, which attaches its own).
func Open(path string) (*DB, error) {
	dsn := path + pragmas
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer; WAL lets analyticsengine read concurrently
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyExtraPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &DB{DB: db, Path: path}, nil
}

// applyExtraPragmas sets the PRAGMAs not expressible via DSN query params.
func applyExtraPragmas(db *sql.DB) error {
	stmts := []string{
		"PRAGMA page_size=8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("pragma %q: %w", s, err)
		}
	}
	return nil
}

// Migrate runs every pending migration under migrations/ against db.
// Safe to call on every startup; golang-migrate no-ops when current.
func Migrate(db *DB, logger zerolog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	logger.Info().Msg("row store migrations applied")
	return nil
}
