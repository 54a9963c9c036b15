package bus

// Queue event topics.
const (
	TopicTaskEnqueued    = "task.enqueued"
	TopicTaskDequeued    = "task.dequeued"
	TopicTaskRemoved     = "task.removed"
	TopicTaskPrioritized = "task.prioritized"
)

// Agent lifecycle topics.
const (
	TopicAgentStateChanged    = "agent.state_changed"
	TopicAgentResourcesUpdate = "agent.resources_updated"
	TopicAgentGateAttached    = "agent.gate_attached"
)

// Project state topics.
const (
	TopicProjectUpdated       = "project.updated"
	TopicProjectTaskCompleted = "project.task_completed"
	TopicProjectRolledBack    = "project.rolled_back"
	TopicProjectSnapshot      = "project.snapshot_created"
)

// TaskEnqueuedEvent is published when a task enters the queue.
type TaskEnqueuedEvent struct {
	TaskID   string
	Priority int
	Depth    int // queue depth after the enqueue
}

// AgentStateChangedEvent is published on every lifecycle transition.
type AgentStateChangedEvent struct {
	AgentID  string
	OldState string
	NewState string
	Detail   map[string]interface{}
}

// ProjectUpdatedEvent is published after a durable project-state write.
type ProjectUpdatedEvent struct {
	ProjectID  string
	ChangeType string
	Actor      string
}
