package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskEnqueued, TaskEnqueuedEvent{TaskID: "t1", Priority: 5, Depth: 1})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskEnqueued {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskEnqueued)
		}
		payload, ok := event.Payload.(TaskEnqueuedEvent)
		if !ok || payload.TaskID != "t1" || payload.Priority != 5 {
			t.Fatalf("payload = %v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	agentSub := b.Subscribe("agent.")
	defer b.Unsubscribe(agentSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicAgentStateChanged, AgentStateChangedEvent{AgentID: "A1"})
	b.Publish(TopicProjectUpdated, ProjectUpdatedEvent{ProjectID: "P1"})

	select {
	case event := <-agentSub.Ch():
		if event.Topic != TopicAgentStateChanged {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicAgentStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent event")
	}

	// agentSub must not see project events.
	select {
	case event := <-agentSub.Ch():
		t.Fatalf("unexpected event on agentSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlockingPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer; Publish must drop, not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize*3; i++ {
			b.Publish(TopicTaskEnqueued, TaskEnqueuedEvent{TaskID: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	b.Unsubscribe(sub)

	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count after unsubscribe: %d", n)
	}
	// Channel closes on unsubscribe.
	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Publish(TopicProjectUpdated, ProjectUpdatedEvent{ProjectID: "P1"})
			}
		}()
	}
	wg.Wait()

	// At least some events arrive; exact count depends on buffer drops.
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("no events delivered under concurrency")
	}
}
