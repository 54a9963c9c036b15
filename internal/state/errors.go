package state

import (
	"errors"
	"fmt"
)

// ErrRollbackSelector is returned when a rollback request does not name
// exactly one restore target.
var ErrRollbackSelector = errors.New("exactly one of transaction_id, snapshot_id or restore_at must be set")

// RollbackError reports a rollback that could not be applied: the reference
// resolved to nothing, belongs to another project, or carries a malformed
// saved state.
type RollbackError struct {
	Via string
	Ref string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback via %s %q: %v", e.Via, e.Ref, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// PersistenceError wraps an unexpected database failure. Domain outcomes
// (not found, stale write, invalid input) pass through unwrapped so callers
// can match them with errors.Is.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
