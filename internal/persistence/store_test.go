package persistence_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danhicks853/theappapp-sub002/internal/audit"
	"github.com/danhicks853/theappapp-sub002/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "orchestrator.db")
	store, err := persistence.Open(dbPath, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"project_state", "project_state_transactions", "project_state_snapshots", "audit_log", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?;", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)

	if _, err := store.CreateProject(context.Background(), &persistence.ProjectState{ProjectID: "p1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	st, err := reopened.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if st.ProjectID != "p1" || st.Status != persistence.ProjectActive {
		t.Fatalf("unexpected state after reopen: %+v", st)
	}
}

func TestStore_BackupProducesReadableCopy(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateProject(ctx, &persistence.ProjectState{ProjectID: "p1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}

	copyStore, err := persistence.Open(dest, nil, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	t.Cleanup(func() { _ = copyStore.Close() })

	if _, err := copyStore.GetProject(ctx, "p1"); err != nil {
		t.Fatalf("backup missing project: %v", err)
	}

	// A second backup to the same path must refuse to overwrite.
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatalf("expected error backing up over existing file")
	}
}

func TestStore_InjectedAuditLogRecordsEvents(t *testing.T) {
	home := t.TempDir()
	auditLog, err := audit.Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	store, err := persistence.Open(dbPath, nil, auditLog)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	auditLog.SetDB(store.DB())

	ctx := context.Background()
	if _, err := store.CreateProject(ctx, &persistence.ProjectState{ProjectID: "p1"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	updated, err := store.ApplyUpdate(ctx, "p1", persistence.UpdateSpec{Actor: "operator"})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	txns, err := store.ListTransactions(ctx, "p1", 1)
	if err != nil || len(txns) != 1 {
		t.Fatalf("list transactions: %v (%d)", err, len(txns))
	}
	if _, err := store.ApplyRollback(ctx, "p1", updated, "transaction_id", "1", "operator"); err != nil {
		t.Fatalf("apply rollback: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	// The fresh database migration and the rollback both leave records.
	if !strings.Contains(string(raw), "data.migration") {
		t.Fatalf("migration missing from audit trail: %s", raw)
	}
	if !strings.Contains(string(raw), "state.rollback") {
		t.Fatalf("rollback missing from audit trail: %s", raw)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = 'state.rollback';").Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("audit_log rollback rows = %d, want 1", count)
	}
}
