// Package store provides SQLite persistence for the gateway: the device
// registry (device_config), last-known status rows (device_status), and
// the per-device event log (device_log).
//
// The schema is created on open if absent. All timestamps are stored and
// returned in UTC.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store wraps the SQLite database. Safe for concurrent use; writes are
// serialized on a single connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral database in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_loc=UTC", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// A single connection keeps SQLite write serialization trivial and
	// makes ":memory:" behave as one database rather than one per conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Schema
// -------------------------------------------------------------------------

const schema = `
CREATE TABLE IF NOT EXISTS device_config (
	unit_id               TEXT PRIMARY KEY,
	host                  TEXT NOT NULL,
	tcp_port              INTEGER NOT NULL DEFAULT 2255,
	ftp_port              INTEGER NOT NULL DEFAULT 21,
	tcp_enabled           INTEGER NOT NULL DEFAULT 1,
	ftp_enabled           INTEGER NOT NULL DEFAULT 1,
	ftp_username          TEXT NOT NULL DEFAULT 'USER',
	ftp_password          TEXT NOT NULL DEFAULT '0000',
	poll_interval_seconds INTEGER NOT NULL DEFAULT 60,
	poll_enabled          INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS device_status (
	unit_id                   TEXT PRIMARY KEY,
	last_seen                 TIMESTAMP,
	measurement_state         TEXT NOT NULL DEFAULT 'unknown',
	measurement_start_time    TIMESTAMP,
	counter                   TEXT,
	lp                        TEXT,
	leq                       TEXT,
	lmax                      TEXT,
	lmin                      TEXT,
	lpeak                     TEXT,
	battery_level             TEXT,
	power_source              TEXT,
	sd_remaining_mb           TEXT,
	sd_free_ratio             TEXT,
	raw_payload               TEXT,
	is_reachable              INTEGER NOT NULL DEFAULT 0,
	consecutive_failures      INTEGER NOT NULL DEFAULT 0,
	last_poll_attempt         TIMESTAMP,
	last_success              TIMESTAMP,
	last_error                TEXT,
	start_time_sync_attempted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS device_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	unit_id   TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	level     TEXT NOT NULL,
	category  TEXT NOT NULL,
	message   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_device_log_unit ON device_log(unit_id);
CREATE INDEX IF NOT EXISTS idx_device_log_time ON device_log(timestamp);
`
