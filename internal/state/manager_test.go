package state_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danhicks853/theappapp-sub002/internal/persistence"
	"github.com/danhicks853/theappapp-sub002/internal/state"
)

func newTestManager(t *testing.T) (*state.Manager, *persistence.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	store, err := persistence.Open(dbPath, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return state.NewManager(store), store
}

func strPtr(s string) *string { return &s }

func seedProject(t *testing.T, m *state.Manager, id string) {
	t.Helper()
	_, err := m.CreateProject(context.Background(), &persistence.ProjectState{
		ProjectID:    id,
		CurrentPhase: "initialization",
		PendingTasks: []string{"t1", "t2"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
}

func TestManager_UpdateCompleteRollbackScenario(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	st, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("planning")})
	if err != nil {
		t.Fatalf("update phase: %v", err)
	}
	if st.CurrentPhase != "planning" || len(st.PendingTasks) != 2 {
		t.Fatalf("after phase update: %+v", st)
	}

	st, err = m.RecordTaskCompletion(ctx, "P1", "t1", "A1", nil, "A1")
	if err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	if len(st.CompletedTasks) != 1 || st.CompletedTasks[0] != "t1" {
		t.Fatalf("completed list: %+v", st.CompletedTasks)
	}
	if len(st.PendingTasks) != 1 || st.PendingTasks[0] != "t2" {
		t.Fatalf("pending list: %+v", st.PendingTasks)
	}

	// Roll back to the first transaction: the phase update. Its saved
	// previous_state is the row before any change.
	txns, err := m.ListTransactions(ctx, "P1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	first := txns[len(txns)-1]
	restored, err := m.RollbackState(ctx, "P1", state.RollbackTarget{TransactionID: &first.ID}, "operator")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored.CurrentPhase != "initialization" {
		t.Fatalf("phase not reverted: %+v", restored)
	}
	if len(restored.PendingTasks) != 2 {
		t.Fatalf("pending not reverted: %+v", restored.PendingTasks)
	}

	// The rollback itself appended a transaction.
	txns, _ = m.ListTransactions(ctx, "P1", 10)
	if txns[0].ChangeType != persistence.ChangeRollbackState {
		t.Fatalf("rollback not logged: %+v", txns[0])
	}
}

func TestManager_SnapshotRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{
		CurrentPhase: strPtr("implementation"),
		Metadata:     map[string]interface{}{"owner": "alice"},
	}); err != nil {
		t.Fatalf("pre-snapshot update: %v", err)
	}
	snap, err := m.CreateSnapshot(ctx, "P1", "tester", "")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("review")}); err != nil {
		t.Fatalf("post-snapshot update: %v", err)
	}
	if _, err := m.RecordTaskCompletion(ctx, "P1", "t1", "A1", nil, "A1"); err != nil {
		t.Fatalf("post-snapshot completion: %v", err)
	}

	restored, err := m.RollbackState(ctx, "P1", state.RollbackTarget{SnapshotID: &snap.ID}, "operator")
	if err != nil {
		t.Fatalf("rollback to snapshot: %v", err)
	}
	if restored.CurrentPhase != "implementation" {
		t.Fatalf("phase not restored: %+v", restored)
	}
	if restored.Metadata["owner"] != "alice" {
		t.Fatalf("metadata not restored: %+v", restored.Metadata)
	}
	if len(restored.CompletedTasks) != 0 || len(restored.PendingTasks) != 2 {
		t.Fatalf("task lists not restored: %+v", restored)
	}
}

func TestManager_RollbackSelectorValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	if _, err := m.RollbackState(ctx, "P1", state.RollbackTarget{}, "op"); !errors.Is(err, state.ErrRollbackSelector) {
		t.Fatalf("empty target: got %v", err)
	}

	id := int64(1)
	snapID := "s-1"
	both := state.RollbackTarget{TransactionID: &id, SnapshotID: &snapID}
	if _, err := m.RollbackState(ctx, "P1", both, "op"); !errors.Is(err, state.ErrRollbackSelector) {
		t.Fatalf("two targets: got %v", err)
	}
}

func TestManager_RollbackUnknownReferences(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")
	seedProject(t, m, "P2")

	missing := int64(9999)
	var rerr *state.RollbackError
	_, err := m.RollbackState(ctx, "P1", state.RollbackTarget{TransactionID: &missing}, "op")
	if !errors.As(err, &rerr) || !errors.Is(err, persistence.ErrTransactionNotFound) {
		t.Fatalf("missing transaction: got %v", err)
	}

	// A transaction belonging to another project is not visible through P1.
	if _, err := m.UpdateState(ctx, "P2", persistence.UpdateSpec{CurrentPhase: strPtr("planning")}); err != nil {
		t.Fatalf("update P2: %v", err)
	}
	txns, _ := m.ListTransactions(ctx, "P2", 1)
	_, err = m.RollbackState(ctx, "P1", state.RollbackTarget{TransactionID: &txns[0].ID}, "op")
	if !errors.As(err, &rerr) || !errors.Is(err, persistence.ErrTransactionNotFound) {
		t.Fatalf("foreign transaction: got %v", err)
	}

	ghost := "no-such-snapshot"
	_, err = m.RollbackState(ctx, "P1", state.RollbackTarget{SnapshotID: &ghost}, "op")
	if !errors.As(err, &rerr) || !errors.Is(err, persistence.ErrSnapshotNotFound) {
		t.Fatalf("missing snapshot: got %v", err)
	}
}

func TestManager_RollbackByTimestamp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("planning")}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	mid := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("review")}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	// The newest transaction at or before mid is the planning update; its
	// previous_state has the original phase.
	restored, err := m.RollbackState(ctx, "P1", state.RollbackTarget{RestoreAt: &mid}, "op")
	if err != nil {
		t.Fatalf("rollback by timestamp: %v", err)
	}
	if restored.CurrentPhase != "initialization" {
		t.Fatalf("expected pre-transaction phase, got %q", restored.CurrentPhase)
	}

	early := time.Now().Add(-24 * time.Hour)
	if _, err := m.RollbackState(ctx, "P1", state.RollbackTarget{RestoreAt: &early}, "op"); !errors.Is(err, persistence.ErrNoTransactionBefore) {
		t.Fatalf("early restore point: got %v", err)
	}
}

func TestManager_StaleWriteConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	st, _ := m.GetState(ctx, "P1", false)
	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("planning")}); err != nil {
		t.Fatalf("winning write: %v", err)
	}

	_, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{
		CurrentPhase:        strPtr("review"),
		ExpectedLastUpdated: &st.LastUpdated,
	})
	if !errors.Is(err, persistence.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	fresh, _ := m.GetState(ctx, "P1", false)
	if fresh.CurrentPhase != "planning" {
		t.Fatalf("losing write mutated row: %+v", fresh)
	}
}

func TestManager_CacheInvalidatedOnWrite(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	if _, err := m.GetState(ctx, "P1", true); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	// A write through the store behind the manager's back leaves the cache
	// stale: the manager only invalidates its own writes.
	if _, err := store.ApplyUpdate(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("planning")}); err != nil {
		t.Fatalf("out-of-band write: %v", err)
	}
	cached, _ := m.GetState(ctx, "P1", true)
	if cached.CurrentPhase != "initialization" {
		t.Fatalf("expected stale cached read, got %q", cached.CurrentPhase)
	}

	// An explicit invalidation or a bypassing read sees the real row.
	m.InvalidateCache("P1")
	fresh, _ := m.GetState(ctx, "P1", true)
	if fresh.CurrentPhase != "planning" {
		t.Fatalf("invalidated read still stale: %+v", fresh)
	}

	// Writes through the manager invalidate automatically.
	if _, err := m.UpdateState(ctx, "P1", persistence.UpdateSpec{CurrentPhase: strPtr("review")}); err != nil {
		t.Fatalf("manager write: %v", err)
	}
	after, _ := m.GetState(ctx, "P1", true)
	if after.CurrentPhase != "review" {
		t.Fatalf("cache not invalidated on write: %+v", after)
	}
}

func TestManager_CachedCopyIsIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	seedProject(t, m, "P1")

	first, _ := m.GetState(ctx, "P1", true)
	first.Metadata["injected"] = true
	first.PendingTasks[0] = "mutated"

	second, _ := m.GetState(ctx, "P1", true)
	if _, ok := second.Metadata["injected"]; ok {
		t.Fatalf("caller mutation leaked into cache")
	}
	if second.PendingTasks[0] != "t1" {
		t.Fatalf("caller mutation leaked into cached list: %+v", second.PendingTasks)
	}
}

func TestManager_GetProgress(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateProject(ctx, &persistence.ProjectState{ProjectID: "empty"}); err != nil {
		t.Fatalf("create empty project: %v", err)
	}
	p, err := m.GetProgress(ctx, "empty")
	if err != nil {
		t.Fatalf("progress empty: %v", err)
	}
	if p.Ratio != 0 || p.CompletedCount != 0 || p.PendingCount != 0 {
		t.Fatalf("empty project progress: %+v", p)
	}

	seedProject(t, m, "P1")
	if _, err := m.RecordTaskCompletion(ctx, "P1", "t1", "A1", nil, "A1"); err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	p, err = m.GetProgress(ctx, "P1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.CompletedCount != 1 || p.PendingCount != 1 || p.Ratio != 0.5 {
		t.Fatalf("progress after one completion: %+v", p)
	}
}

func TestManager_NotFoundPassthrough(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.GetState(ctx, "ghost", false); !errors.Is(err, persistence.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := m.UpdateState(ctx, "ghost", persistence.UpdateSpec{CurrentPhase: strPtr("x")}); !errors.Is(err, persistence.ErrProjectNotFound) {
		t.Fatalf("update ghost: got %v", err)
	}
}
