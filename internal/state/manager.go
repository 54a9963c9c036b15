// Package state is the caller-facing surface over durable project state. It
// layers an in-process read cache and a rollback selector on top of the
// persistence store. The cache is invalidated on every write through this
// manager; it is NOT coherent across processes, so a reader that cannot
// tolerate staleness must bypass it.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	otelx "github.com/danhicks853/theappapp-sub002/internal/otel"
	"github.com/danhicks853/theappapp-sub002/internal/persistence"
)

// RollbackTarget names the point to restore. Exactly one field must be set.
type RollbackTarget struct {
	TransactionID *int64
	SnapshotID    *string
	RestoreAt     *time.Time
}

// Progress summarizes task completion for a project.
type Progress struct {
	CompletedCount int     `json:"completed_count"`
	PendingCount   int     `json:"pending_count"`
	Ratio          float64 `json:"ratio"`
}

// Manager coordinates reads and writes of project state.
type Manager struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otelx.Metrics

	mu    sync.RWMutex
	cache map[string]*persistence.ProjectState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics wires metric instruments. Nil instruments are skipped.
func WithMetrics(mx *otelx.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager wraps a persistence store.
func NewManager(store *persistence.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		cache:  make(map[string]*persistence.ProjectState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// domainErrors pass through classify unwrapped so callers can errors.Is them.
var domainErrors = []error{
	persistence.ErrProjectNotFound,
	persistence.ErrProjectExists,
	persistence.ErrStaleWrite,
	persistence.ErrTransactionNotFound,
	persistence.ErrSnapshotNotFound,
	persistence.ErrNoTransactionBefore,
	persistence.ErrInvalidStatus,
	persistence.ErrTaskListConflict,
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range domainErrors {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

// CreateProject creates a fresh project row.
func (m *Manager) CreateProject(ctx context.Context, st *persistence.ProjectState) (*persistence.ProjectState, error) {
	created, err := m.store.CreateProject(ctx, st)
	if err != nil {
		return nil, classify("create_project", err)
	}
	m.logger.Info("project created", "project_id", created.ProjectID, "status", string(created.Status))
	return created, nil
}

// GetState returns the project's state. With useCache, a cached copy is
// returned when present; the copy may be stale if another process wrote the
// row since it was cached.
func (m *Manager) GetState(ctx context.Context, projectID string, useCache bool) (*persistence.ProjectState, error) {
	if useCache {
		m.mu.RLock()
		cached := m.cache[projectID]
		m.mu.RUnlock()
		if cached != nil {
			if m.metrics != nil && m.metrics.CacheHits != nil {
				m.metrics.CacheHits.Add(ctx, 1)
			}
			return cached.Clone(), nil
		}
		if m.metrics != nil && m.metrics.CacheMisses != nil {
			m.metrics.CacheMisses.Add(ctx, 1)
		}
	}

	st, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, classify("get_project", err)
	}
	m.mu.Lock()
	m.cache[projectID] = st.Clone()
	m.mu.Unlock()
	return st, nil
}

// UpdateState applies a partial update and invalidates the cached copy.
func (m *Manager) UpdateState(ctx context.Context, projectID string, spec persistence.UpdateSpec) (*persistence.ProjectState, error) {
	start := time.Now()
	updated, err := m.store.ApplyUpdate(ctx, projectID, spec)
	if err != nil {
		if errors.Is(err, persistence.ErrStaleWrite) && m.metrics != nil && m.metrics.StateConflicts != nil {
			m.metrics.StateConflicts.Add(ctx, 1)
		}
		return nil, classify("apply_update", err)
	}
	m.invalidate(projectID)
	if m.metrics != nil {
		if m.metrics.StateUpdates != nil {
			m.metrics.StateUpdates.Add(ctx, 1)
		}
		if m.metrics.StateWriteSeconds != nil {
			m.metrics.StateWriteSeconds.Record(ctx, time.Since(start).Seconds())
		}
	}
	m.logger.Debug("project state updated", "project_id", projectID, "actor", spec.Actor)
	return updated, nil
}

// RecordTaskCompletion marks one task complete and invalidates the cache.
// Completing an already-completed task is a no-op write, not an error.
func (m *Manager) RecordTaskCompletion(ctx context.Context, projectID, taskID, agentID string, resultMetadata map[string]interface{}, actor string) (*persistence.ProjectState, error) {
	updated, err := m.store.RecordTaskCompletion(ctx, projectID, taskID, agentID, resultMetadata, actor)
	if err != nil {
		return nil, classify("record_task_completion", err)
	}
	m.invalidate(projectID)
	if m.metrics != nil && m.metrics.StateUpdates != nil {
		m.metrics.StateUpdates.Add(ctx, 1)
	}
	m.logger.Info("task completed", "project_id", projectID, "task_id", taskID, "agent_id", agentID)
	return updated, nil
}

// CreateSnapshot writes a point-in-time copy of the project state.
func (m *Manager) CreateSnapshot(ctx context.Context, projectID, takenBy, notes string) (*persistence.Snapshot, error) {
	snap, err := m.store.CreateSnapshot(ctx, projectID, takenBy, notes)
	if err != nil {
		return nil, classify("create_snapshot", err)
	}
	if m.metrics != nil && m.metrics.SnapshotsTaken != nil {
		m.metrics.SnapshotsTaken.Add(ctx, 1)
	}
	m.logger.Info("snapshot created", "project_id", projectID, "snapshot_id", snap.ID, "taken_by", takenBy)
	return snap, nil
}

// RollbackState restores the project to the point named by target, logs the
// rollback as a new transaction, and invalidates the cache.
func (m *Manager) RollbackState(ctx context.Context, projectID string, target RollbackTarget, actor string) (*persistence.ProjectState, error) {
	via, ref, restored, err := m.resolveTarget(ctx, projectID, target)
	if err != nil {
		return nil, err
	}
	if restored == nil {
		return nil, &RollbackError{Via: via, Ref: ref, Err: errors.New("saved state is malformed")}
	}

	updated, err := m.store.ApplyRollback(ctx, projectID, restored, via, ref, actor)
	if err != nil {
		return nil, classify("apply_rollback", err)
	}
	m.invalidate(projectID)
	if m.metrics != nil && m.metrics.Rollbacks != nil {
		m.metrics.Rollbacks.Add(ctx, 1)
	}
	m.logger.Warn("project state rolled back", "project_id", projectID, "via", via, "ref", ref, "actor", actor)
	return updated, nil
}

func (m *Manager) resolveTarget(ctx context.Context, projectID string, target RollbackTarget) (via, ref string, restored *persistence.ProjectState, err error) {
	set := 0
	if target.TransactionID != nil {
		set++
	}
	if target.SnapshotID != nil {
		set++
	}
	if target.RestoreAt != nil {
		set++
	}
	if set != 1 {
		return "", "", nil, fmt.Errorf("%d targets set: %w", set, ErrRollbackSelector)
	}

	switch {
	case target.TransactionID != nil:
		via = "transaction_id"
		ref = strconv.FormatInt(*target.TransactionID, 10)
		txn, terr := m.store.GetTransaction(ctx, *target.TransactionID)
		if terr != nil {
			return via, ref, nil, &RollbackError{Via: via, Ref: ref, Err: classify("get_transaction", terr)}
		}
		if txn.ProjectID != projectID {
			return via, ref, nil, &RollbackError{Via: via, Ref: ref, Err: persistence.ErrTransactionNotFound}
		}
		restored = txn.PreviousState

	case target.SnapshotID != nil:
		via = "snapshot_id"
		ref = *target.SnapshotID
		snap, serr := m.store.GetSnapshot(ctx, *target.SnapshotID)
		if serr != nil {
			return via, ref, nil, &RollbackError{Via: via, Ref: ref, Err: classify("get_snapshot", serr)}
		}
		if snap.ProjectID != projectID {
			return via, ref, nil, &RollbackError{Via: via, Ref: ref, Err: persistence.ErrSnapshotNotFound}
		}
		restored = snap.State

	default:
		via = "restore_at"
		ref = target.RestoreAt.UTC().Format(time.RFC3339Nano)
		txn, terr := m.store.LatestTransactionAtOrBefore(ctx, projectID, *target.RestoreAt)
		if terr != nil {
			return via, ref, nil, &RollbackError{Via: via, Ref: ref, Err: classify("latest_transaction", terr)}
		}
		// Restores the chosen transaction's previous_state, i.e. the row as
		// it stood before that transaction ran. Transactions sharing a
		// timestamp are tie-broken by insertion id, highest wins.
		restored = txn.PreviousState
	}
	return via, ref, restored, nil
}

// GetProgress computes completion counts from the current state. The ratio is
// zero when the project has no tasks at all.
func (m *Manager) GetProgress(ctx context.Context, projectID string) (Progress, error) {
	st, err := m.GetState(ctx, projectID, true)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		CompletedCount: len(st.CompletedTasks),
		PendingCount:   len(st.PendingTasks),
	}
	if total := p.CompletedCount + p.PendingCount; total > 0 {
		p.Ratio = float64(p.CompletedCount) / float64(total)
	}
	return p, nil
}

// ListTransactions returns the project's change log, newest first.
func (m *Manager) ListTransactions(ctx context.Context, projectID string, limit int) ([]persistence.Transaction, error) {
	txns, err := m.store.ListTransactions(ctx, projectID, limit)
	return txns, classify("list_transactions", err)
}

// ListSnapshots returns the project's snapshots, newest first.
func (m *Manager) ListSnapshots(ctx context.Context, projectID string, limit int) ([]persistence.Snapshot, error) {
	snaps, err := m.store.ListSnapshots(ctx, projectID, limit)
	return snaps, classify("list_snapshots", err)
}

// InvalidateCache drops the cached copy for a project, forcing the next read
// through to the database. Use after an out-of-band write.
func (m *Manager) InvalidateCache(projectID string) {
	m.invalidate(projectID)
}

func (m *Manager) invalidate(projectID string) {
	m.mu.Lock()
	delete(m.cache, projectID)
	m.mu.Unlock()
}
