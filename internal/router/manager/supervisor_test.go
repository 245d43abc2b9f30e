package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/configfetcher"
)

// blockingConsumer is a queue.Consumer that blocks until its context is
// cancelled, recording lifecycle events.
type blockingConsumer struct {
	uri    string
	closed bool
	mu     sync.Mutex
}

func (c *blockingConsumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *blockingConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// trackingBuilder records which queue URIs consumers were built for.
type trackingBuilder struct {
	mu    sync.Mutex
	built []string
	fail  map[string]bool
}

func (b *trackingBuilder) build(queueURI string, connections int) (queue.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[queueURI] {
		return nil, fmt.Errorf("cannot connect to %s", queueURI)
	}
	b.built = append(b.built, queueURI)
	return &blockingConsumer{uri: queueURI}, nil
}

func (b *trackingBuilder) builtCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.built)
}

func queues(uris ...string) []configfetcher.QueueSpec {
	out := make([]configfetcher.QueueSpec, 0, len(uris))
	for _, u := range uris {
		out = append(out, configfetcher.QueueSpec{QueueURI: u, QueueName: u, Connections: 1})
	}
	return out
}

func TestSupervisorSyncAddsAndRemovesConsumers(t *testing.T) {
	m := NewQueueManager(nil)
	builder := &trackingBuilder{}
	sup := NewSupervisor(m, builder.build, nil)
	defer sup.Stop()

	sup.SyncQueues(queues("q1", "q2"), 2)
	if sup.ActiveQueueCount() != 2 {
		t.Fatalf("Expected 2 consumers, got %d", sup.ActiveQueueCount())
	}

	// q2 removed, q3 added
	sup.SyncQueues(queues("q1", "q3"), 2)
	if sup.ActiveQueueCount() != 2 {
		t.Fatalf("Expected 2 consumers after reconcile, got %d", sup.ActiveQueueCount())
	}
	if builder.builtCount() != 3 {
		t.Errorf("Expected 3 total builds (q1, q2, q3), got %d", builder.builtCount())
	}

	// Unchanged sync builds nothing new
	sup.SyncQueues(queues("q1", "q3"), 2)
	if builder.builtCount() != 3 {
		t.Errorf("Unchanged sync must not rebuild consumers, builds=%d", builder.builtCount())
	}
}

func TestSupervisorBuilderFailureSkipsQueue(t *testing.T) {
	m := NewQueueManager(nil)
	builder := &trackingBuilder{fail: map[string]bool{"bad": true}}
	sup := NewSupervisor(m, builder.build, nil)
	defer sup.Stop()

	sup.SyncQueues(queues("good", "bad"), 1)

	if sup.ActiveQueueCount() != 1 {
		t.Errorf("Expected only the good queue to have a consumer, got %d", sup.ActiveQueueCount())
	}
}

func TestSupervisorPauseResume(t *testing.T) {
	m := NewQueueManager(nil)
	builder := &trackingBuilder{}
	sup := NewSupervisor(m, builder.build, nil)
	defer sup.Stop()

	sup.SyncQueues(queues("q1"), 1)
	if sup.ActiveQueueCount() != 1 {
		t.Fatal("Expected 1 consumer before pause")
	}

	sup.Pause()
	if sup.ActiveQueueCount() != 0 {
		t.Errorf("Expected no consumers while paused, got %d", sup.ActiveQueueCount())
	}

	// Syncing while paused only updates the desired set
	sup.SyncQueues(queues("q1", "q2"), 1)
	if sup.ActiveQueueCount() != 0 {
		t.Errorf("Paused supervisor must not start consumers")
	}

	sup.Resume()
	if sup.ActiveQueueCount() != 2 {
		t.Errorf("Expected both configured consumers after resume, got %d", sup.ActiveQueueCount())
	}
}

func TestSupervisorConnectionChangeRestartsConsumer(t *testing.T) {
	m := NewQueueManager(nil)
	builder := &trackingBuilder{}
	sup := NewSupervisor(m, builder.build, nil)
	defer sup.Stop()

	sup.SyncQueues([]configfetcher.QueueSpec{{QueueURI: "q1", Connections: 1}}, 1)
	sup.SyncQueues([]configfetcher.QueueSpec{{QueueURI: "q1", Connections: 3}}, 3)

	if builder.builtCount() != 2 {
		t.Errorf("Expected a rebuild after connection change, builds=%d", builder.builtCount())
	}
}

func TestSupervisorCapacityGate(t *testing.T) {
	m := NewQueueManager(nil)
	sup := NewSupervisor(m, nil, &SupervisorConfig{
		GlobalInFlightCap: 2,
		LowWaterRatio:     0.5,
		ParkPollInterval:  5 * time.Millisecond,
	})

	// Below the cap the gate returns immediately
	done := make(chan struct{})
	go func() {
		sup.waitForCapacity(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Gate must not block below the cap")
	}

	// Fill the pipeline to the cap
	m.inPipelineMap.Store("a", &DispatchMessage{JobID: "a"})
	m.inPipelineMap.Store("b", &DispatchMessage{JobID: "b"})

	released := make(chan struct{})
	go func() {
		sup.waitForCapacity(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Gate should block at the cap")
	case <-time.After(30 * time.Millisecond):
	}

	// Drain below the low-water mark (0.5 * 2 = 1)
	m.inPipelineMap.Delete("a")
	m.inPipelineMap.Delete("b")

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Gate should release once below the low-water mark")
	}
}
