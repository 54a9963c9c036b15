package persistence

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// ProjectStatus is the operational status of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// Valid reports whether the status is one of the four known values.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectPaused, ProjectCompleted, ProjectFailed:
		return true
	}
	return false
}

// ProjectState is the durable per-project progress record. A task id appears
// in at most one of CompletedTasks/PendingTasks at a time.
type ProjectState struct {
	ProjectID      string                 `json:"project_id"`
	CurrentPhase   string                 `json:"current_phase"`
	ActiveTaskID   string                 `json:"active_task_id"`
	ActiveAgentID  string                 `json:"active_agent_id"`
	CompletedTasks []string               `json:"completed_tasks"`
	PendingTasks   []string               `json:"pending_tasks"`
	Metadata       map[string]interface{} `json:"metadata"`
	Status         ProjectStatus          `json:"status"`
	LastAction     string                 `json:"last_action"`
	CreatedAt      time.Time              `json:"created_at"`
	LastUpdated    time.Time              `json:"last_updated"`
}

// Clone returns a copy with its own list and metadata allocations.
func (p *ProjectState) Clone() *ProjectState {
	if p == nil {
		return nil
	}
	cp := *p
	cp.CompletedTasks = slices.Clone(p.CompletedTasks)
	cp.PendingTasks = slices.Clone(p.PendingTasks)
	cp.Metadata = cloneMetadata(p.Metadata)
	return &cp
}

// cloneMetadata copies the top level and any directly nested maps. Deeper
// nesting is shared; metadata values are treated as immutable by convention.
func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = maps.Clone(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Transaction is one append-only audit record of a state change, carrying the
// full prior row so the change can be undone.
type Transaction struct {
	ID            int64                  `json:"id"`
	ProjectID     string                 `json:"project_id"`
	OccurredAt    time.Time              `json:"occurred_at"`
	ChangeType    string                 `json:"change_type"`
	Payload       map[string]interface{} `json:"payload"`
	Actor         string                 `json:"actor"`
	PreviousState *ProjectState          `json:"previous_state"`
}

// Snapshot is a full point-in-time copy of project state, independent of the
// transaction log.
type Snapshot struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	SnapshotAt time.Time     `json:"snapshot_at"`
	State      *ProjectState `json:"state"`
	TakenBy    string        `json:"taken_by"`
	Notes      string        `json:"notes"`
}

// decodeStringList parses a JSON array column. Malformed JSON degrades to an
// empty list rather than failing the read.
func decodeStringList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// decodeMetadata parses a JSON object column. Malformed JSON degrades to an
// empty map rather than failing the read.
func decodeMetadata(raw string) map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// decodeState parses a serialized ProjectState (previous_state or snapshot
// state column). Returns nil on malformed JSON.
func decodeState(raw string) *ProjectState {
	var st ProjectState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil
	}
	if st.CompletedTasks == nil {
		st.CompletedTasks = []string{}
	}
	if st.PendingTasks == nil {
		st.PendingTasks = []string{}
	}
	if st.Metadata == nil {
		st.Metadata = map[string]interface{}{}
	}
	return &st
}
