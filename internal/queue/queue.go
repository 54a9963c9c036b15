// Package queue implements the in-memory priority scheduler for pending work.
// Selection order is highest priority first, then earliest enqueue time within
// a priority band. One mutex guards both the ordered structure and the id
// lookup table, so every operation is linearizable and none of them block.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/danhicks853/theappapp-sub002/internal/bus"
	otelx "github.com/danhicks853/theappapp-sub002/internal/otel"
)

// entry wraps a task with the monotonic sequence number used as the final
// tie-break when two tasks share a priority and a creation timestamp.
type entry struct {
	task *Task
	seq  uint64
}

// taskHeap orders entries by (-priority, created_at, seq).
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a thread-safe priority/FIFO scheduler for pending tasks.
type Queue struct {
	mu      sync.Mutex
	heap    taskHeap
	byID    map[string]*entry
	nextSeq uint64

	schema  *jsonschema.Schema // nil disables payload validation
	bus     *bus.Bus           // may be nil in tests
	metrics *otelx.Metrics     // may be nil
}

// Option configures a Queue.
type Option func(*Queue)

// WithBus attaches an event bus; enqueue/dequeue/remove/prioritize publish
// best-effort notifications on it.
func WithBus(b *bus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithMetrics wires the queue instruments: depth, enqueue/dequeue counters,
// and the queued-time histogram.
func WithMetrics(mx *otelx.Metrics) Option {
	return func(q *Queue) { q.metrics = mx }
}

// WithPayloadSchema compiles a JSON Schema and validates every task payload
// against it at the enqueue boundary.
func WithPayloadSchema(schemaJSON []byte) (Option, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema resource: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return func(q *Queue) { q.schema = schema }, nil
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a task. It rejects a nil task, an empty id, a negative
// priority, a payload failing the configured schema, and a duplicate id —
// each with a distinct error and without mutating the queue.
func (q *Queue) Enqueue(task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	if strings.TrimSpace(task.ID) == "" {
		return ErrEmptyTaskID
	}
	if task.Priority < 0 {
		return fmt.Errorf("enqueue %q: %w", task.ID, ErrNegativePriority)
	}
	if q.schema != nil && task.Payload != nil {
		if err := q.validatePayload(task); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.ID]; exists {
		return fmt.Errorf("enqueue %q: %w", task.ID, ErrDuplicateTaskID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	q.nextSeq++
	e := &entry{task: task, seq: q.nextSeq}
	heap.Push(&q.heap, e)
	q.byID[task.ID] = e

	if q.metrics != nil {
		if q.metrics.TasksEnqueued != nil {
			q.metrics.TasksEnqueued.Add(context.Background(), 1)
		}
		if q.metrics.QueueDepth != nil {
			q.metrics.QueueDepth.Add(context.Background(), 1)
		}
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEnqueuedEvent{
			TaskID:   task.ID,
			Priority: task.Priority,
			Depth:    len(q.heap),
		})
	}
	return nil
}

// validatePayload round-trips the payload map through JSON so numeric types
// match what the schema compiler expects.
func (q *Queue) validatePayload(task *Task) error {
	raw, err := json.Marshal(task.Payload)
	if err != nil {
		return &PayloadError{TaskID: task.ID, Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &PayloadError{TaskID: task.ID, Err: err}
	}
	if err := q.schema.Validate(doc); err != nil {
		return &PayloadError{TaskID: task.ID, Err: err}
	}
	return nil
}

// Dequeue removes and returns the highest-priority task, FIFO within a
// priority band. Returns (nil, false) on an empty queue; it never blocks.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.task.ID)

	if q.metrics != nil {
		ctx := context.Background()
		if q.metrics.TasksDequeued != nil {
			q.metrics.TasksDequeued.Add(ctx, 1)
		}
		if q.metrics.QueueDepth != nil {
			q.metrics.QueueDepth.Add(ctx, -1)
		}
		if q.metrics.TaskWaitSeconds != nil {
			q.metrics.TaskWaitSeconds.Record(ctx, time.Since(e.task.CreatedAt).Seconds())
		}
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskDequeued, bus.TaskEnqueuedEvent{
			TaskID:   e.task.ID,
			Priority: e.task.Priority,
			Depth:    len(q.heap),
		})
	}
	return e.task, true
}

// Peek returns the task Dequeue would select next, without removing it.
func (q *Queue) Peek() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0].task.Clone(), true
}

// Prioritize changes an in-flight task's priority, taking effect for the next
// Dequeue. Unknown ids are a no-op returning false. Negative priorities are
// rejected. The heap is rebuilt in place: O(n), fine at orchestrator depths
// (hundreds); an indexed heap would be needed for millions.
func (q *Queue) Prioritize(taskID string, newPriority int) (bool, error) {
	if newPriority < 0 {
		return false, fmt.Errorf("prioritize %q: %w", taskID, ErrNegativePriority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[taskID]
	if !ok {
		return false, nil
	}
	e.task.Priority = newPriority
	heap.Init(&q.heap)

	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskPrioritized, bus.TaskEnqueuedEvent{
			TaskID:   taskID,
			Priority: newPriority,
			Depth:    len(q.heap),
		})
	}
	return true, nil
}

// Remove cancels a pending task by id. Returns false for unknown ids.
// Like Prioritize, this rebuilds the ordering: O(n).
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[taskID]
	if !ok {
		return false
	}
	delete(q.byID, taskID)
	for i, cur := range q.heap {
		if cur == e {
			heap.Remove(&q.heap, i)
			break
		}
	}

	if q.metrics != nil && q.metrics.QueueDepth != nil {
		q.metrics.QueueDepth.Add(context.Background(), -1)
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskRemoved, bus.TaskEnqueuedEvent{
			TaskID:   taskID,
			Priority: e.task.Priority,
			Depth:    len(q.heap),
		})
	}
	return true
}

// All returns a snapshot of queued tasks in dequeue order. The queue is not
// mutated and the returned tasks are copies.
func (q *Queue) All() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]*entry, len(q.heap))
	copy(snapshot, q.heap)
	sort.Slice(snapshot, func(i, j int) bool {
		a, b := snapshot[i], snapshot[j]
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*Task, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, e.task.Clone())
	}
	return out
}

// PendingCount returns the number of queued tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether a task id is currently queued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[taskID]
	return ok
}
