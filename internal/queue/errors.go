package queue

import (
	"errors"
	"fmt"
)

// Validation errors raised synchronously by queue operations. The queue never
// retries; callers fix their input and call again.
var (
	ErrNilTask          = errors.New("task must be non-nil")
	ErrEmptyTaskID      = errors.New("task id must be non-empty")
	ErrDuplicateTaskID  = errors.New("task id already queued")
	ErrNegativePriority = errors.New("priority must be non-negative")
)

// PayloadError reports a task payload that failed schema validation at the
// enqueue boundary.
type PayloadError struct {
	TaskID string
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("task %q payload invalid: %v", e.TaskID, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }
