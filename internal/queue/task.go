package queue

import (
	"maps"
	"time"
)

// Status is the scheduling state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusBlocked    Status = "BLOCKED"
)

// Task is a unit of work held by the queue. ID must be unique while the task
// is resident; Priority is a non-negative integer where higher means more
// urgent; CreatedAt breaks ties within a priority band (earlier first).
type Task struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	AgentType       string                 `json:"agent_type"`
	Priority        int                    `json:"priority"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Status          Status                 `json:"status"`
	AssignedAgentID string                 `json:"assigned_agent_id,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Clone returns a copy of the task with its own payload and result maps.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Payload = maps.Clone(t.Payload)
	cp.Result = maps.Clone(t.Result)
	return &cp
}
