package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danhicks853/theappapp-sub002/internal/bus"
)

// Change types recorded on the transaction log.
const (
	ChangeUpdateState    = "update_state"
	ChangeTaskCompletion = "task_completion"
	ChangeRollbackState  = "rollback_state"
)

// Validation errors for update specs.
var (
	ErrInvalidStatus    = errors.New("invalid project status")
	ErrTaskListConflict = errors.New("task id present in both completed and pending")
)

// UpdateSpec describes a partial update. Nil pointer fields are left
// untouched; Metadata is shallow-merged (new keys overwrite, others
// preserved); PendingTasks replaces the stored list wholesale. When
// ExpectedLastUpdated is set and does not match the stored row, the update
// aborts with ErrStaleWrite without writing.
type UpdateSpec struct {
	CurrentPhase        *string
	ActiveTaskID        *string
	ActiveAgentID       *string
	PendingTasks        *[]string
	Metadata            map[string]interface{}
	Status              *ProjectStatus
	LastAction          *string
	ExpectedLastUpdated *time.Time
	Actor               string
}

func scanProject(scanFn func(dest ...any) error) (*ProjectState, error) {
	var (
		p         ProjectState
		completed string
		pending   string
		metadata  string
	)
	if err := scanFn(
		&p.ProjectID,
		&p.CurrentPhase,
		&p.ActiveTaskID,
		&p.ActiveAgentID,
		&completed,
		&pending,
		&metadata,
		&p.Status,
		&p.LastAction,
		&p.CreatedAt,
		&p.LastUpdated,
	); err != nil {
		return nil, err
	}
	p.CompletedTasks = decodeStringList(completed)
	p.PendingTasks = decodeStringList(pending)
	p.Metadata = decodeMetadata(metadata)
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastUpdated = p.LastUpdated.UTC()
	return &p, nil
}

const projectColumns = `project_id, current_phase, active_task_id, active_agent_id,
	completed_tasks, pending_tasks, metadata, status, last_action, created_at, last_updated`

func getProjectTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, projectID string) (*ProjectState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM project_state
		WHERE project_id = ?;
	`, projectID)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrProjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select project: %w", err)
	}
	return p, nil
}

// CreateProject inserts a fresh project row. Creation is not logged on the
// transaction log; the log records changes to an existing row.
func (s *Store) CreateProject(ctx context.Context, p *ProjectState) (*ProjectState, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, fmt.Errorf("project_id must be non-empty")
	}
	st := p.Clone()
	if st.Status == "" {
		st.Status = ProjectActive
	}
	if !st.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", st.Status, ErrInvalidStatus)
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.LastUpdated = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_state (
			project_id, current_phase, active_task_id, active_agent_id,
			completed_tasks, pending_tasks, metadata, status, last_action,
			created_at, last_updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, st.ProjectID, st.CurrentPhase, st.ActiveTaskID, st.ActiveAgentID,
		encodeJSON(st.CompletedTasks), encodeJSON(st.PendingTasks), encodeJSON(st.Metadata),
		string(st.Status), st.LastAction, st.CreatedAt, st.LastUpdated)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("project %q: %w", st.ProjectID, ErrProjectExists)
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return st, nil
}

// GetProject reads the current row for a project.
func (s *Store) GetProject(ctx context.Context, projectID string) (*ProjectState, error) {
	return getProjectTx(ctx, s.db, projectID)
}

// ApplyUpdate applies a partial update inside one transaction: read, compare
// the expected timestamp, write the merged row, and append a transaction
// record carrying the changed fields and the full pre-write row.
func (s *Store) ApplyUpdate(ctx context.Context, projectID string, spec UpdateSpec) (*ProjectState, error) {
	if spec.Status != nil && !spec.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", *spec.Status, ErrInvalidStatus)
	}

	var updated *ProjectState
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if spec.ExpectedLastUpdated != nil && !spec.ExpectedLastUpdated.UTC().Equal(current.LastUpdated) {
			return fmt.Errorf("project %q: expected %s, row at %s: %w",
				projectID,
				spec.ExpectedLastUpdated.UTC().Format(time.RFC3339Nano),
				current.LastUpdated.Format(time.RFC3339Nano),
				ErrStaleWrite)
		}

		next := current.Clone()
		changed := map[string]interface{}{}
		if spec.CurrentPhase != nil {
			next.CurrentPhase = *spec.CurrentPhase
			changed["current_phase"] = *spec.CurrentPhase
		}
		if spec.ActiveTaskID != nil {
			next.ActiveTaskID = *spec.ActiveTaskID
			changed["active_task_id"] = *spec.ActiveTaskID
		}
		if spec.ActiveAgentID != nil {
			next.ActiveAgentID = *spec.ActiveAgentID
			changed["active_agent_id"] = *spec.ActiveAgentID
		}
		if spec.PendingTasks != nil {
			replacement := slices.Clone(*spec.PendingTasks)
			for _, id := range replacement {
				if slices.Contains(next.CompletedTasks, id) {
					return fmt.Errorf("pending task %q: %w", id, ErrTaskListConflict)
				}
			}
			next.PendingTasks = replacement
			changed["pending_tasks"] = replacement
		}
		if spec.Metadata != nil {
			for k, v := range spec.Metadata {
				next.Metadata[k] = v
			}
			changed["metadata"] = spec.Metadata
		}
		if spec.Status != nil {
			next.Status = *spec.Status
			changed["status"] = string(*spec.Status)
		}
		if spec.LastAction != nil {
			next.LastAction = *spec.LastAction
			changed["last_action"] = *spec.LastAction
		}

		now := time.Now().UTC()
		next.LastUpdated = now
		if err := writeProjectTx(ctx, tx, next); err != nil {
			return err
		}
		if err := appendTransactionTx(ctx, tx, projectID, now, ChangeUpdateState, changed, spec.Actor, current); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update tx: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicProjectUpdated, bus.ProjectUpdatedEvent{
			ProjectID:  projectID,
			ChangeType: ChangeUpdateState,
			Actor:      spec.Actor,
		})
	}
	return updated, nil
}

// RecordTaskCompletion atomically moves a task id from pending to completed,
// merges result metadata under metadata.task_results[taskID] and the owning
// agent under metadata.task_owners[taskID], clears the active task/agent
// references, and logs a transaction. Completing the same task twice does not
// duplicate the completed entry.
func (s *Store) RecordTaskCompletion(ctx context.Context, projectID, taskID, agentID string, resultMetadata map[string]interface{}, actor string) (*ProjectState, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task_id must be non-empty")
	}

	var updated *ProjectState
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin completion tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}

		next := current.Clone()
		if i := slices.Index(next.PendingTasks, taskID); i >= 0 {
			next.PendingTasks = slices.Delete(next.PendingTasks, i, i+1)
		}
		if !slices.Contains(next.CompletedTasks, taskID) {
			next.CompletedTasks = append(next.CompletedTasks, taskID)
		}
		if resultMetadata != nil {
			results, _ := next.Metadata["task_results"].(map[string]interface{})
			if results == nil {
				results = map[string]interface{}{}
			}
			results[taskID] = resultMetadata
			next.Metadata["task_results"] = results
		}
		if agentID != "" {
			owners, _ := next.Metadata["task_owners"].(map[string]interface{})
			if owners == nil {
				owners = map[string]interface{}{}
			}
			owners[taskID] = agentID
			next.Metadata["task_owners"] = owners
		}
		next.ActiveTaskID = ""
		next.ActiveAgentID = ""
		next.LastAction = fmt.Sprintf("completed task %s", taskID)

		now := time.Now().UTC()
		next.LastUpdated = now
		if err := writeProjectTx(ctx, tx, next); err != nil {
			return err
		}
		payload := map[string]interface{}{
			"task_id":  taskID,
			"agent_id": agentID,
		}
		if err := appendTransactionTx(ctx, tx, projectID, now, ChangeTaskCompletion, payload, actor, current); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit completion tx: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicProjectTaskCompleted, bus.ProjectUpdatedEvent{
			ProjectID:  projectID,
			ChangeType: ChangeTaskCompletion,
			Actor:      actor,
		})
	}
	return updated, nil
}

// writeProjectTx overwrites the live row with the given state.
func writeProjectTx(ctx context.Context, tx *sql.Tx, st *ProjectState) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE project_state
		SET current_phase = ?, active_task_id = ?, active_agent_id = ?,
			completed_tasks = ?, pending_tasks = ?, metadata = ?,
			status = ?, last_action = ?, last_updated = ?
		WHERE project_id = ?;
	`, st.CurrentPhase, st.ActiveTaskID, st.ActiveAgentID,
		encodeJSON(st.CompletedTasks), encodeJSON(st.PendingTasks), encodeJSON(st.Metadata),
		string(st.Status), st.LastAction, st.LastUpdated, st.ProjectID)
	if err != nil {
		return fmt.Errorf("update project row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("project %q: %w", st.ProjectID, ErrProjectNotFound)
	}
	return nil
}

// appendTransactionTx records one change on the append-only log with the full
// pre-write row for undo.
func appendTransactionTx(ctx context.Context, tx *sql.Tx, projectID string, occurredAt time.Time, changeType string, payload map[string]interface{}, actor string, previous *ProjectState) error {
	if actor == "" {
		actor = "system"
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_state_transactions (project_id, occurred_at, change_type, payload, actor, previous_state)
		VALUES (?, ?, ?, ?, ?, ?);
	`, projectID, occurredAt, changeType, encodeJSON(payload), actor, encodeJSON(previous)); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func scanTransaction(scanFn func(dest ...any) error) (*Transaction, error) {
	var (
		txn      Transaction
		payload  string
		previous string
	)
	if err := scanFn(&txn.ID, &txn.ProjectID, &txn.OccurredAt, &txn.ChangeType, &payload, &txn.Actor, &previous); err != nil {
		return nil, err
	}
	txn.OccurredAt = txn.OccurredAt.UTC()
	txn.Payload = decodeMetadata(payload)
	txn.PreviousState = decodeState(previous)
	return &txn, nil
}

const transactionColumns = `id, project_id, occurred_at, change_type, payload, actor, previous_state`

// GetTransaction reads one transaction record by id.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM project_state_transactions
		WHERE id = ?;
	`, id)
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return txn, nil
}

// LatestTransactionAtOrBefore returns the most recent transaction for the
// project whose occurred_at is ≤ the instant. Transactions sharing a
// timestamp are ordered by insertion id, highest last, so the tie-break is
// deterministic.
func (s *Store) LatestTransactionAtOrBefore(ctx context.Context, projectID string, instant time.Time) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM project_state_transactions
		WHERE project_id = ? AND occurred_at <= ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1;
	`, projectID, instant.UTC())
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q before %s: %w", projectID, instant.UTC().Format(time.RFC3339Nano), ErrNoTransactionBefore)
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction before: %w", err)
	}
	return txn, nil
}

// ListTransactions returns the project's transaction log, newest first.
func (s *Store) ListTransactions(ctx context.Context, projectID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM project_state_transactions
		WHERE project_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction rows: %w", err)
	}
	return out, nil
}

// CreateSnapshot persists a full copy of the current state under a new id.
func (s *Store) CreateSnapshot(ctx context.Context, projectID, takenBy, notes string) (*Snapshot, error) {
	if takenBy == "" {
		takenBy = "system"
	}
	var snap *Snapshot
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_state_snapshots (id, project_id, snapshot_at, state, taken_by, notes)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, projectID, now, encodeJSON(current), takenBy, notes); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit snapshot tx: %w", err)
		}
		snap = &Snapshot{
			ID:         id,
			ProjectID:  projectID,
			SnapshotAt: now,
			State:      current,
			TakenBy:    takenBy,
			Notes:      notes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicProjectSnapshot, bus.ProjectUpdatedEvent{
			ProjectID:  projectID,
			ChangeType: "snapshot",
			Actor:      takenBy,
		})
	}
	return snap, nil
}

// GetSnapshot reads one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var (
		snap  Snapshot
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, snapshot_at, state, taken_by, notes
		FROM project_state_snapshots
		WHERE id = ?;
	`, id).Scan(&snap.ID, &snap.ProjectID, &snap.SnapshotAt, &state, &snap.TakenBy, &snap.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %q: %w", id, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	snap.SnapshotAt = snap.SnapshotAt.UTC()
	snap.State = decodeState(state)
	return &snap, nil
}

// ListSnapshots returns the project's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, projectID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, snapshot_at, state, taken_by, notes
		FROM project_state_snapshots
		WHERE project_id = ?
		ORDER BY snapshot_at DESC, id DESC
		LIMIT ?;
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap  Snapshot
			state string
		)
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &snap.SnapshotAt, &state, &snap.TakenBy, &snap.Notes); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.SnapshotAt = snap.SnapshotAt.UTC()
		snap.State = decodeState(state)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return out, nil
}

// ApplyRollback overwrites the live row with the target's fields inside one
// transaction and logs a rollback_state record (itself undoable). The row's
// created_at is kept; last_updated moves to now because the rollback is a new
// write.
func (s *Store) ApplyRollback(ctx context.Context, projectID string, target *ProjectState, via, ref, actor string) (*ProjectState, error) {
	if target == nil {
		return nil, fmt.Errorf("rollback target state is empty or malformed")
	}

	var updated *ProjectState
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}

		next := target.Clone()
		next.ProjectID = projectID
		next.CreatedAt = current.CreatedAt
		now := time.Now().UTC()
		next.LastUpdated = now
		if !next.Status.Valid() {
			next.Status = current.Status
		}

		if err := writeProjectTx(ctx, tx, next); err != nil {
			return err
		}
		payload := map[string]interface{}{
			"via": via,
			"ref": ref,
		}
		if err := appendTransactionTx(ctx, tx, projectID, now, ChangeRollbackState, payload, actor, current); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback tx: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record("allow", "state.rollback",
		fmt.Sprintf("project %s rolled back via %s %s", projectID, via, ref), actor)
	if s.bus != nil {
		s.bus.Publish(bus.TopicProjectRolledBack, bus.ProjectUpdatedEvent{
			ProjectID:  projectID,
			ChangeType: ChangeRollbackState,
			Actor:      actor,
		})
	}
	return updated, nil
}
