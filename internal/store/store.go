// Package store is the single durable coordination point for the executor.
// Runs, task instances, approvals, artifacts, schedules, profiles, broker
// listings, and the human action queue all live in one SQLite database;
// every cross-worker state transition is a conditional UPDATE here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. A single connection is kept open; SQLite
// serialises writers anyway and a one-connection pool avoids SQLITE_BUSY
// churn under WAL.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// schema migrations. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Schema versions:
// v1: full initial schema (runs, task_instances, approvals, artifacts,
//     schedules, pii_profiles, broker_listings, removal_actions,
//     human_action_queue)
const currentSchemaVersion = 1

var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS runs (
			run_id              TEXT PRIMARY KEY,
			plan_id             TEXT NOT NULL,
			plan_hash           TEXT NOT NULL,
			status              TEXT NOT NULL,
			requested_by        TEXT NOT NULL DEFAULT '',
			idempotency_key     TEXT,
			created_at          TIMESTAMP NOT NULL,
			started_at          TIMESTAMP,
			finished_at         TIMESTAMP,
			claimed_by          TEXT,
			claim_expires_at    TIMESTAMP,
			params_json         TEXT NOT NULL DEFAULT '{}',
			result_summary_json TEXT,
			error_code          TEXT,
			error_message       TEXT,
			UNIQUE (idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_instances (
			task_run_id       TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
			task_id           TEXT NOT NULL,
			task_index        INTEGER NOT NULL,
			task_name         TEXT NOT NULL DEFAULT '',
			task_type         TEXT NOT NULL,
			status            TEXT NOT NULL,
			attempt           INTEGER NOT NULL DEFAULT 0,
			max_attempts      INTEGER NOT NULL DEFAULT 3,
			idempotent        INTEGER NOT NULL DEFAULT 1,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approval_id       TEXT,
			started_at        TIMESTAMP,
			finished_at       TIMESTAMP,
			input_json        TEXT NOT NULL DEFAULT '{}',
			output_json       TEXT,
			error_code        TEXT,
			error_message     TEXT,
			UNIQUE (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id  TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
			task_id      TEXT NOT NULL,
			status       TEXT NOT NULL,
			prompt       TEXT NOT NULL DEFAULT '',
			preview_json TEXT,
			created_at   TIMESTAMP NOT NULL,
			resolved_at  TIMESTAMP,
			resolved_by  TEXT,
			UNIQUE (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id   TEXT PRIMARY KEY,
			run_id        TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
			kind          TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/json',
			uri           TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_kind_created ON artifacts (kind, created_at)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			schedule_id   TEXT PRIMARY KEY,
			broker_id     TEXT NOT NULL,
			profile_id    TEXT NOT NULL,
			scan_type     TEXT NOT NULL DEFAULT 'recheck',
			next_run_at   TIMESTAMP NOT NULL,
			last_run_id   TEXT,
			last_run_at   TIMESTAMP,
			interval_days INTEGER NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			created_at    TIMESTAMP NOT NULL,
			UNIQUE (broker_id, profile_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS pii_profiles (
			profile_id TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			iv         BLOB NOT NULL,
			tag        BLOB NOT NULL,
			data_hash  TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS broker_listings (
			listing_id    TEXT PRIMARY KEY,
			broker_id     TEXT NOT NULL,
			profile_id    TEXT NOT NULL,
			url           TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			confidence    REAL NOT NULL DEFAULT 0,
			first_seen_at TIMESTAMP NOT NULL,
			last_seen_at  TIMESTAMP NOT NULL,
			removed_at    TIMESTAMP,
			recheck_after TIMESTAMP,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_broker ON broker_listings (broker_id, profile_id)`,
		`CREATE TABLE IF NOT EXISTS removal_actions (
			action_id    TEXT PRIMARY KEY,
			listing_id   TEXT NOT NULL REFERENCES broker_listings (listing_id) ON DELETE CASCADE,
			run_id       TEXT,
			method       TEXT NOT NULL,
			result       TEXT NOT NULL,
			detail       TEXT,
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS human_action_queue (
			item_id      TEXT PRIMARY KEY,
			run_id       TEXT,
			broker_id    TEXT NOT NULL DEFAULT '',
			action_type  TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			payload_json TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			completed_by TEXT
		)`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := int(version.Int64) + 1; v <= currentSchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", v, err)
			}
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			v, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration v%d: %w", v, err)
		}
		s.logger.Info("schema migrated", zap.Int("version", v))
	}
	return nil
}

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = fmt.Errorf("store: not found")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
