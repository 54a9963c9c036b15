// Package lifecycle tracks each agent instance through its operational state
// machine: INITIALIZING → READY → ACTIVE ⇄ PAUSED → STOPPED → CLEANED_UP.
// Records are owned exclusively by the Manager and exposed only as deep-copied
// snapshots; observers are notified best-effort and can never corrupt or block
// a transition.
package lifecycle

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/danhicks853/theappapp-sub002/internal/bus"
	otelx "github.com/danhicks853/theappapp-sub002/internal/otel"
)

// State is an agent's lifecycle state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateActive       State = "ACTIVE"
	StatePaused       State = "PAUSED"
	StateStopped      State = "STOPPED"
	StateCleanedUp    State = "CLEANED_UP"
)

// Resources is the per-agent resource usage record. Handle and connection
// sets are owned by the Manager; snapshots carry copies.
type Resources struct {
	MemoryMB      int
	FileHandles   map[string]struct{}
	DBConnections map[string]struct{}
}

func (r Resources) clone() Resources {
	return Resources{
		MemoryMB:      r.MemoryMB,
		FileHandles:   maps.Clone(r.FileHandles),
		DBConnections: maps.Clone(r.DBConnections),
	}
}

func emptyResources() Resources {
	return Resources{
		FileHandles:   make(map[string]struct{}),
		DBConnections: make(map[string]struct{}),
	}
}

// record is the manager-internal state for one agent.
type record struct {
	state            State
	resources        Resources
	metadata         map[string]interface{}
	pauseReason      string
	pauseGateID      string
	stopReason       string
	lastTransitionAt time.Time
	lastKnownTaskID  string
}

// Snapshot is an immutable copy of an agent's record. Mutating a snapshot
// never affects manager-internal state.
type Snapshot struct {
	AgentID          string
	State            State
	Resources        Resources
	Metadata         map[string]interface{}
	PauseReason      string
	PauseGateID      string
	StopReason       string
	LastTransitionAt time.Time
	LastKnownTaskID  string
}

// Observer receives transition and resource-update notifications. Panics in
// an observer are recovered and logged, never propagated.
type Observer func(agentID string, state State, detail map[string]interface{})

// Manager is the agent lifecycle state machine. One mutex serializes all
// operations; this is coarse but correct at orchestrator scale.
type Manager struct {
	mu        sync.Mutex
	agents    map[string]*record
	observers []Observer
	bus       *bus.Bus       // may be nil in tests
	metrics   *otelx.Metrics // may be nil
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus attaches an event bus for transition notifications.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the logger used for observer failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics wires the transition counter.
func WithMetrics(mx *otelx.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates an empty lifecycle manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		agents: make(map[string]*record),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers an observer for all transitions and resource updates.
func (m *Manager) OnTransition(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start registers or restarts an agent. Legal when the agent is unknown,
// STOPPED, CLEANED_UP, or stuck in INITIALIZING after a failed initializer.
// The optional init func runs between INITIALIZING and READY; if it fails the
// record stays INITIALIZING and Start must be retried before any other
// operation will accept the agent.
func (m *Manager) Start(ctx context.Context, agentID string, init func(context.Context) error) error {
	m.mu.Lock()
	rec, exists := m.agents[agentID]
	if exists {
		switch rec.state {
		case StateStopped, StateCleanedUp, StateInitializing:
		default:
			from := rec.state
			m.mu.Unlock()
			return &TransitionError{AgentID: agentID, Op: "start", From: from}
		}
	} else {
		rec = &record{
			resources: emptyResources(),
			metadata:  make(map[string]interface{}),
		}
		m.agents[agentID] = rec
	}
	rec.state = StateInitializing
	rec.pauseReason = ""
	rec.pauseGateID = ""
	rec.stopReason = ""
	rec.lastKnownTaskID = ""
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StateInitializing, map[string]interface{}{"event": "start"})

	if init != nil {
		if err := init(ctx); err != nil {
			// Record stays INITIALIZING; only a retried Start accepts it.
			return err
		}
	}

	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.state != StateInitializing {
		from := StateCleanedUp
		if ok {
			from = rec.state
		}
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "start", From: from}
	}
	rec.state = StateReady
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StateReady, map[string]interface{}{"event": "initialized"})
	return nil
}

// Resume transitions a READY or PAUSED agent to ACTIVE, clearing any pause
// metadata.
func (m *Manager) Resume(agentID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if rec.state != StateReady && rec.state != StatePaused {
		from := rec.state
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "resume", From: from}
	}
	rec.state = StateActive
	rec.pauseReason = ""
	rec.pauseGateID = ""
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StateActive, map[string]interface{}{"event": "resume"})
	return nil
}

// Pause transitions an ACTIVE agent to PAUSED. A reason is required; gateID
// optionally references an external approval gate.
func (m *Manager) Pause(agentID, reason, gateID string) error {
	if reason == "" {
		return ErrPauseReasonRequired
	}
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if rec.state != StateActive {
		from := rec.state
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "pause", From: from}
	}
	rec.state = StatePaused
	rec.pauseReason = reason
	rec.pauseGateID = gateID
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StatePaused, map[string]interface{}{
		"event":   "pause",
		"reason":  reason,
		"gate_id": gateID,
	})
	return nil
}

// AttachGate sets the external approval-gate reference on a PAUSED agent.
func (m *Manager) AttachGate(agentID, gateID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if rec.state != StatePaused {
		from := rec.state
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "attach_gate", From: from}
	}
	rec.pauseGateID = gateID
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicAgentGateAttached, bus.AgentStateChangedEvent{
			AgentID:  agentID,
			NewState: string(StatePaused),
			Detail:   map[string]interface{}{"gate_id": gateID},
		})
	}
	return nil
}

// Stop transitions a READY, ACTIVE, or PAUSED agent to STOPPED, recording an
// optional reason and clearing the active task reference.
func (m *Manager) Stop(agentID, reason string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	switch rec.state {
	case StateReady, StateActive, StatePaused:
	default:
		from := rec.state
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "stop", From: from}
	}
	rec.state = StateStopped
	rec.stopReason = reason
	rec.lastKnownTaskID = ""
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StateStopped, map[string]interface{}{
		"event":  "stop",
		"reason": reason,
	})
	return nil
}

// Cleanup transitions a STOPPED agent to CLEANED_UP and resets its resource
// record: memory to zero, handle and connection sets emptied. Only legal from
// STOPPED so resources are never dropped while an agent could be mid-task.
func (m *Manager) Cleanup(agentID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if rec.state != StateStopped {
		from := rec.state
		m.mu.Unlock()
		return &TransitionError{AgentID: agentID, Op: "cleanup", From: from}
	}
	rec.state = StateCleanedUp
	rec.resources = emptyResources()
	rec.lastTransitionAt = time.Now().UTC()
	m.mu.Unlock()

	m.notify(agentID, StateCleanedUp, map[string]interface{}{"event": "cleanup"})
	return nil
}

// UpdateResourceUsage overwrites the tracked resource usage for an agent.
// Legal in any state.
func (m *Manager) UpdateResourceUsage(agentID string, memoryMB int, fileHandles, dbConnections []string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	res := emptyResources()
	res.MemoryMB = memoryMB
	for _, h := range fileHandles {
		res.FileHandles[h] = struct{}{}
	}
	for _, c := range dbConnections {
		res.DBConnections[c] = struct{}{}
	}
	rec.resources = res
	state := rec.state
	m.mu.Unlock()

	m.notifyTopic(bus.TopicAgentResourcesUpdate, agentID, state, map[string]interface{}{
		"event":     "resources_updated",
		"memory_mb": memoryMB,
	})
	return nil
}

// TrackTask records the task an ACTIVE agent is working on.
func (m *Manager) TrackTask(agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return &UnknownAgentError{AgentID: agentID}
	}
	if rec.state != StateActive {
		return &TransitionError{AgentID: agentID, Op: "track_task", From: rec.state}
	}
	rec.lastKnownTaskID = taskID
	return nil
}

// Status returns a deep-copied snapshot of the agent's record.
func (m *Manager) Status(agentID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return Snapshot{}, &UnknownAgentError{AgentID: agentID}
	}
	return m.snapshotLocked(agentID, rec), nil
}

// List returns snapshots for all known agents.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.agents))
	for id, rec := range m.agents {
		out = append(out, m.snapshotLocked(id, rec))
	}
	return out
}

func (m *Manager) snapshotLocked(agentID string, rec *record) Snapshot {
	return Snapshot{
		AgentID:          agentID,
		State:            rec.state,
		Resources:        rec.resources.clone(),
		Metadata:         maps.Clone(rec.metadata),
		PauseReason:      rec.pauseReason,
		PauseGateID:      rec.pauseGateID,
		StopReason:       rec.stopReason,
		LastTransitionAt: rec.lastTransitionAt,
		LastKnownTaskID:  rec.lastKnownTaskID,
	}
}

func (m *Manager) notify(agentID string, state State, detail map[string]interface{}) {
	if m.metrics != nil && m.metrics.AgentTransitions != nil {
		m.metrics.AgentTransitions.Add(context.Background(), 1)
	}
	m.notifyTopic(bus.TopicAgentStateChanged, agentID, state, detail)
}

// notifyTopic delivers bus and callback notifications. Observer panics are
// recovered and logged so state-machine correctness never depends on observer
// behavior.
func (m *Manager) notifyTopic(topic, agentID string, state State, detail map[string]interface{}) {
	if m.bus != nil {
		m.bus.Publish(topic, bus.AgentStateChangedEvent{
			AgentID:  agentID,
			NewState: string(state),
			Detail:   detail,
		})
	}

	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("lifecycle observer panicked",
						"agent_id", agentID,
						"state", string(state),
						"panic", r,
					)
				}
			}()
			fn(agentID, state, detail)
		}()
	}
}
