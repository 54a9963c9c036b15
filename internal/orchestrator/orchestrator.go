// Package orchestrator runs the dispatch loop: it drains the task queue,
// drives agent lifecycles, and records progress in durable project state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danhicks853/theappapp-sub002/internal/gate"
	"github.com/danhicks853/theappapp-sub002/internal/lifecycle"
	"github.com/danhicks853/theappapp-sub002/internal/persistence"
	"github.com/danhicks853/theappapp-sub002/internal/queue"
	"github.com/danhicks853/theappapp-sub002/internal/shared"
	"github.com/danhicks853/theappapp-sub002/internal/state"
)

// Handler executes one task and returns result metadata for the project
// record. A non-nil error marks the task failed.
type Handler func(ctx context.Context, task *queue.Task) (map[string]interface{}, error)

// Config holds orchestrator dependencies.
type Config struct {
	Queue   *queue.Queue
	Agents  *lifecycle.Manager
	State   *state.Manager
	Gates   *gate.Client // optional; nil disables gate resolution
	Logger  *slog.Logger
	Handler Handler

	// PollInterval is how long the loop sleeps when the queue is empty.
	PollInterval time.Duration
	// GatePollInterval and GateTimeout bound WaitForDecision calls.
	GatePollInterval time.Duration
	GateTimeout      time.Duration
}

// Orchestrator owns the dispatch loop.
type Orchestrator struct {
	queue   *queue.Queue
	agents  *lifecycle.Manager
	state   *state.Manager
	gates   *gate.Client
	logger  *slog.Logger
	handler Handler

	pollInterval time.Duration
	gatePoll     time.Duration
	gateTimeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates dependencies and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil || cfg.Agents == nil || cfg.State == nil {
		return nil, fmt.Errorf("queue, agents and state are required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	gatePoll := cfg.GatePollInterval
	if gatePoll <= 0 {
		gatePoll = 5 * time.Second
	}
	gateTimeout := cfg.GateTimeout
	if gateTimeout <= 0 {
		gateTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		queue:        cfg.Queue,
		agents:       cfg.Agents,
		state:        cfg.State,
		gates:        cfg.Gates,
		logger:       logger,
		handler:      cfg.Handler,
		pollInterval: poll,
		gatePoll:     gatePoll,
		gateTimeout:  gateTimeout,
	}, nil
}

// Start begins the dispatch loop in a background goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.loop(ctx)
	o.logger.Info("orchestrator started", "poll_interval", o.pollInterval)
}

// Stop cancels the loop and waits for the in-flight task to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()

	for {
		task, ok := o.queue.Dequeue()
		if ok {
			o.dispatch(ctx, task)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		timer.Reset(o.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// dispatch runs one task end to end: activate the owning agent, mark the
// project row, execute, then record the outcome.
func (o *Orchestrator) dispatch(ctx context.Context, task *queue.Task) {
	agentID := task.AssignedAgentID
	if agentID == "" {
		agentID = "agent-" + task.AgentType
	}
	projectID, _ := task.Payload["project_id"].(string)

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(shared.WithAgentID(ctx, agentID), task.ID)

	if err := o.activateAgent(ctx, agentID); err != nil {
		o.logger.Error("agent activation failed", "agent_id", agentID, "task_id", task.ID, "error", err)
		return
	}
	if err := o.agents.TrackTask(agentID, task.ID); err != nil {
		o.logger.Warn("track task", "agent_id", agentID, "task_id", task.ID, "error", err)
	}

	if projectID != "" {
		if _, err := o.state.UpdateState(ctx, projectID, persistence.UpdateSpec{
			ActiveTaskID:  &task.ID,
			ActiveAgentID: &agentID,
			Actor:         agentID,
		}); err != nil {
			o.logger.Error("mark active task", "project_id", projectID, "task_id", task.ID, "error", err)
		}
	}

	o.logger.Info("task dispatched", "trace_id", traceID, "task_id", task.ID, "agent_id", agentID, "priority", task.Priority)
	result, err := o.handler(ctx, task)
	if err != nil {
		// A failed task parks the agent behind a fresh gate; a collaborator
		// approves the gate to resume it or rejects to stop it.
		gateID := "gate-" + uuid.NewString()
		o.logger.Error("task failed", "task_id", task.ID, "agent_id", agentID, "gate_id", gateID, "error", err)
		failReason := fmt.Sprintf("task %s failed: %v", task.ID, err)
		if perr := o.agents.Pause(agentID, failReason, gateID); perr != nil {
			o.logger.Warn("pause failed agent", "agent_id", agentID, "error", perr)
		}
		if projectID != "" {
			if _, serr := o.state.UpdateState(ctx, projectID, persistence.UpdateSpec{
				LastAction: &failReason,
				Metadata: map[string]interface{}{
					"last_error":      err.Error(),
					"failure_gate_id": gateID,
				},
				Actor: agentID,
			}); serr != nil {
				o.logger.Error("record task failure", "project_id", projectID, "error", serr)
			}
		}
		return
	}

	if projectID != "" {
		if _, err := o.state.RecordTaskCompletion(ctx, projectID, task.ID, agentID, result, agentID); err != nil {
			o.logger.Error("record task completion", "project_id", projectID, "task_id", task.ID, "error", err)
		}
	}
	o.logger.Info("task completed", "task_id", task.ID, "agent_id", agentID)
}

// activateAgent drives an agent to ACTIVE from whatever state it is in,
// resolving an attached gate when one is blocking.
func (o *Orchestrator) activateAgent(ctx context.Context, agentID string) error {
	snap, err := o.agents.Status(agentID)
	if err != nil {
		// Unknown agent: bring one up.
		if err := o.agents.Start(ctx, agentID, nil); err != nil {
			return err
		}
		return o.agents.Resume(agentID)
	}

	switch snap.State {
	case lifecycle.StateActive:
		return nil
	case lifecycle.StateReady:
		return o.agents.Resume(agentID)
	case lifecycle.StatePaused:
		return o.resolvePause(ctx, agentID, snap)
	case lifecycle.StateStopped:
		if err := o.agents.Cleanup(agentID); err != nil {
			return err
		}
		fallthrough
	case lifecycle.StateCleanedUp:
		if err := o.agents.Start(ctx, agentID, nil); err != nil {
			return err
		}
		return o.agents.Resume(agentID)
	default:
		return fmt.Errorf("agent %s is %s and cannot take work", agentID, snap.State)
	}
}

// resolvePause waits out a gate on a paused agent. Without a gate reference
// or gate client the pause is treated as operator-owned and the task is
// skipped.
func (o *Orchestrator) resolvePause(ctx context.Context, agentID string, snap lifecycle.Snapshot) error {
	if snap.PauseGateID == "" || o.gates == nil {
		return fmt.Errorf("agent %s is paused (%s)", agentID, snap.PauseReason)
	}

	decision, err := o.gates.WaitForDecision(ctx, snap.PauseGateID, o.gatePoll, o.gateTimeout)
	if err != nil {
		return fmt.Errorf("gate %s: %w", snap.PauseGateID, err)
	}
	o.logger.Info("gate resolved", "agent_id", agentID, "gate_id", decision.GateID, "status", string(decision.Status))

	switch decision.Status {
	case gate.StatusApproved:
		return o.agents.Resume(agentID)
	default:
		if err := o.agents.Stop(agentID, fmt.Sprintf("gate %s %s", decision.GateID, decision.Status)); err != nil {
			return err
		}
		return fmt.Errorf("agent %s stopped: gate %s %s", agentID, decision.GateID, decision.Status)
	}
}
