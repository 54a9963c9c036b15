package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	TasksEnqueued     metric.Int64Counter
	TasksDequeued     metric.Int64Counter
	AgentTransitions  metric.Int64Counter
	StateUpdates      metric.Int64Counter
	StateConflicts    metric.Int64Counter
	Rollbacks         metric.Int64Counter
	SnapshotsTaken    metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	StateWriteSeconds metric.Float64Histogram
	TaskWaitSeconds   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("orchestrator.queue.depth",
		metric.WithDescription("Number of tasks waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("orchestrator.queue.enqueued",
		metric.WithDescription("Total tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDequeued, err = meter.Int64Counter("orchestrator.queue.dequeued",
		metric.WithDescription("Total tasks handed to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentTransitions, err = meter.Int64Counter("orchestrator.agent.transitions",
		metric.WithDescription("Total agent lifecycle transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.StateUpdates, err = meter.Int64Counter("orchestrator.state.updates",
		metric.WithDescription("Total project state writes"),
	)
	if err != nil {
		return nil, err
	}

	m.StateConflicts, err = meter.Int64Counter("orchestrator.state.conflicts",
		metric.WithDescription("Writes rejected by optimistic concurrency"),
	)
	if err != nil {
		return nil, err
	}

	m.Rollbacks, err = meter.Int64Counter("orchestrator.state.rollbacks",
		metric.WithDescription("Project state rollbacks applied"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotsTaken, err = meter.Int64Counter("orchestrator.state.snapshots",
		metric.WithDescription("Project state snapshots written"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("orchestrator.state.cache.hits",
		metric.WithDescription("State reads served from the in-process cache"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("orchestrator.state.cache.misses",
		metric.WithDescription("State reads that went to the database"),
	)
	if err != nil {
		return nil, err
	}

	m.StateWriteSeconds, err = meter.Float64Histogram("orchestrator.state.write.duration",
		metric.WithDescription("Project state write duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskWaitSeconds, err = meter.Float64Histogram("orchestrator.queue.wait.duration",
		metric.WithDescription("Time tasks spend queued before dequeue in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
