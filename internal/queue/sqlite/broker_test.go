package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(&BrokerConfig{
		Path:              filepath.Join(t.TempDir(), "queue.db"),
		VisibilityTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// TestEnqueueClaimOrder verifies FIFO ordering within a group.
func TestEnqueueClaimOrder(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf("msg-%d", i))
		if err := b.Enqueue(ctx, "q1", "group-a", "", body); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// Only the head of the group is claimable at once
	claimed, err := b.Claim(ctx, "q1", "owner-1", 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected 1 claimed (head of group), got %d", len(claimed))
	}
	if string(claimed[0].body) != "msg-0" {
		t.Errorf("Expected msg-0 first, got %s", claimed[0].body)
	}

	// Acking the head releases the next message
	if err := b.Ack(ctx, claimed[0].id, "owner-1"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	claimed, err = b.Claim(ctx, "q1", "owner-1", 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 || string(claimed[0].body) != "msg-1" {
		t.Fatalf("Expected msg-1 next, got %v", claimed)
	}
}

// TestGroupExclusivity verifies that two consumers competing for the same
// group see exactly one winner.
func TestGroupExclusivity(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q1", "group-a", "", []byte("only")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	type result struct {
		owner   string
		claimed int
	}
	results := make(chan result, 2)

	for _, owner := range []string{"consumer-1", "consumer-2"} {
		owner := owner
		go func() {
			claimed, err := b.Claim(ctx, "q1", owner, 10)
			if err != nil {
				t.Errorf("Claim by %s failed: %v", owner, err)
			}
			results <- result{owner: owner, claimed: len(claimed)}
		}()
	}

	total := 0
	for i := 0; i < 2; i++ {
		r := <-results
		total += r.claimed
	}

	if total != 1 {
		t.Fatalf("Expected exactly one consumer to win the group, total claims = %d", total)
	}
}

// TestCrossGroupClaims verifies different groups are claimable in parallel.
func TestCrossGroupClaims(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for _, g := range []string{"a", "b", "c", "d"} {
		if err := b.Enqueue(ctx, "q1", g, "", []byte(g)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	claimed, err := b.Claim(ctx, "q1", "owner-1", 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 4 {
		t.Fatalf("Expected 4 claims across 4 groups, got %d", len(claimed))
	}
}

// TestDeduplication verifies duplicate dedup IDs collapse silently.
func TestDeduplication(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Enqueue(ctx, "q1", "g", "dedup-1", []byte("dup")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	depth, err := b.Depth(ctx, "q1")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("Expected 1 message after dedup, got %d", depth)
	}
}

// TestAckIdempotent verifies double-ack is not an error.
func TestAckIdempotent(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q1", "g", "", []byte("x")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := b.Claim(ctx, "q1", "owner-1", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim failed: %v (claimed=%d)", err, len(claimed))
	}

	if err := b.Ack(ctx, claimed[0].id, "owner-1"); err != nil {
		t.Fatalf("First ack failed: %v", err)
	}
	if err := b.Ack(ctx, claimed[0].id, "owner-1"); err != nil {
		t.Fatalf("Second ack should be a no-op, got: %v", err)
	}

	depth, _ := b.Depth(ctx, "q1")
	if depth != 0 {
		t.Errorf("Expected empty queue after ack, depth=%d", depth)
	}
}

// TestNackRedelivery verifies a nacked message with zero delay reappears.
func TestNackRedelivery(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q1", "g", "", []byte("retry-me")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := b.Claim(ctx, "q1", "owner-1", 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := b.Nack(ctx, claimed[0].id, "owner-1", 0); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	reclaimed, err := b.Claim(ctx, "q1", "owner-2", 1)
	if err != nil {
		t.Fatalf("Re-claim failed: %v", err)
	}
	if len(reclaimed) != 1 || string(reclaimed[0].body) != "retry-me" {
		t.Fatalf("Expected nacked message to reappear, got %v", reclaimed)
	}
}

// TestNackDelayedInvisible verifies a nacked message with a delay stays
// invisible until the delay passes.
func TestNackDelayedInvisible(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q1", "g", "", []byte("later")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, _ := b.Claim(ctx, "q1", "owner-1", 1)
	if len(claimed) != 1 {
		t.Fatal("Expected one claim")
	}

	if err := b.Nack(ctx, claimed[0].id, "owner-1", time.Hour); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	reclaimed, err := b.Claim(ctx, "q1", "owner-2", 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("Message should be invisible during the nack delay")
	}
}

// TestReleaseExpired verifies expired claims return to the queue.
func TestReleaseExpired(t *testing.T) {
	b, err := NewBroker(&BrokerConfig{
		Path:              filepath.Join(t.TempDir(), "queue.db"),
		VisibilityTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, "q1", "g", "", []byte("stuck")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, _ := b.Claim(ctx, "q1", "crashed-consumer", 1)
	if len(claimed) != 1 {
		t.Fatal("Expected one claim")
	}

	time.Sleep(25 * time.Millisecond)

	released, err := b.ReleaseExpired(ctx, "q1")
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("Expected 1 released message, got %d", released)
	}

	reclaimed, _ := b.Claim(ctx, "q1", "owner-2", 1)
	if len(reclaimed) != 1 {
		t.Error("Expected expired message to be claimable again")
	}
}
