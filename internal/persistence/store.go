// Package persistence owns the durable record of project progress: the live
// project_state row, its append-only transaction log, and point-in-time
// snapshots. Every state-changing call runs inside a single database
// transaction (begin → read/compare → write → append log → commit) so each
// operation is atomic even across process crashes.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/danhicks853/theappapp-sub002/internal/audit"
	"github.com/danhicks853/theappapp-sub002/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "oc-v1-2026-08-project-state"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors surfaced by store operations. The state manager maps these
// onto its caller-facing taxonomy.
var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrProjectExists       = errors.New("project already exists")
	ErrStaleWrite          = errors.New("stale expected_last_updated")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
	ErrNoTransactionBefore = errors.New("no transaction at or before restore point")
)

// Store wraps the SQLite database holding project state.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus   // may be nil in tests
	audit *audit.Log // nil disables audit records
}

// DefaultDBPath returns the default on-disk location of the database.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator", "orchestrator.db")
}

// Open opens (creating if necessary) the database at path and applies schema
// migrations. The bus, when non-nil, receives project.* events after commits;
// the audit log, when non-nil, records migrations and rollbacks.
func Open(path string, eventBus *bus.Bus, auditLog *audit.Log) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, audit: auditLog}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS project_state (
			project_id TEXT PRIMARY KEY,
			current_phase TEXT NOT NULL DEFAULT '',
			active_task_id TEXT NOT NULL DEFAULT '',
			active_agent_id TEXT NOT NULL DEFAULT '',
			completed_tasks JSON NOT NULL DEFAULT '[]',
			pending_tasks JSON NOT NULL DEFAULT '[]',
			metadata JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'completed', 'failed')),
			last_action TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_updated DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS project_state_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL REFERENCES project_state(project_id) ON DELETE CASCADE,
			occurred_at DATETIME NOT NULL,
			change_type TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			actor TEXT NOT NULL DEFAULT 'system',
			previous_state JSON NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS project_state_snapshots (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES project_state(project_id) ON DELETE CASCADE,
			snapshot_at DATETIME NOT NULL,
			state JSON NOT NULL,
			taken_by TEXT NOT NULL DEFAULT 'system',
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_transactions_project_time ON project_state_transactions(project_id, occurred_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_project_time ON project_state_snapshots(project_id, snapshot_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	s.audit.Record("allow", "data.migration", fmt.Sprintf("schema migrated from v%d to v%d", maxVersion, schemaVersionLatest), "")
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// The error string is inspected to avoid a direct dependency on the sqlite3
// package in non-CGO-importing code paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Backup creates an online-consistent backup of the database using
// VACUUM INTO, which produces a complete copy without blocking writes.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
