package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedMediator returns a fixed outcome per message ID, defaulting to
// success.
type scriptedMediator struct {
	mu       sync.Mutex
	outcomes map[string]*MediationOutcome
	calls    atomic.Int32
	seen     []string
}

func newScriptedMediator() *scriptedMediator {
	return &scriptedMediator{outcomes: make(map[string]*MediationOutcome)}
}

func (m *scriptedMediator) failWith(id string, result MediationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = &MediationOutcome{Result: result}
}

func (m *scriptedMediator) Process(msg *MessagePointer) *MediationOutcome {
	m.calls.Add(1)
	m.mu.Lock()
	m.seen = append(m.seen, msg.ID)
	outcome := m.outcomes[msg.ID]
	m.mu.Unlock()
	if outcome != nil {
		return outcome
	}
	return &MediationOutcome{Result: MediationResultSuccess}
}

// trackingCallback records ack/nack decisions.
type trackingCallback struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (c *trackingCallback) Ack(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg.ID)
}

func (c *trackingCallback) Nack(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID)
}

func (c *trackingCallback) SetVisibilityDelay(msg *MessagePointer, seconds int) {}
func (c *trackingCallback) SetFastFailVisibility(msg *MessagePointer)           {}
func (c *trackingCallback) ResetVisibilityToDefault(msg *MessagePointer)        {}

func (c *trackingCallback) nackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.nacked))
	copy(out, c.nacked)
	return out
}

func (c *trackingCallback) ackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.acked))
	copy(out, c.acked)
	return out
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func submitBatch(t *testing.T, p *ProcessPool, batchID, group string, mode DispatchMode, ids ...string) {
	t.Helper()
	for _, id := range ids {
		ok := p.Submit(&MessagePointer{
			ID:             id,
			BatchID:        batchID,
			MessageGroupID: group,
			DispatchMode:   mode,
			// No target needed; the scripted mediator ignores it
			MediationTarget: "http://unused",
		})
		if !ok {
			t.Fatalf("Submit of %s rejected", id)
		}
	}
}

// TestDispatchModeBlockOnError verifies that a failure poisons the rest of
// the batch+group: later pointers are nacked without reaching the mediator.
func TestDispatchModeBlockOnError(t *testing.T) {
	med := newScriptedMediator()
	med.failWith("m2", MediationResultErrorProcess)
	cb := &trackingCallback{}

	p := NewProcessPool("dispatch-pool", 2, 100, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	submitBatch(t, p, "batch-1", "g", DispatchModeBlockOnError, "m1", "m2", "m3", "m4")
	time.Sleep(300 * time.Millisecond)

	acked := cb.ackedIDs()
	nacked := cb.nackedIDs()

	if !contains(acked, "m1") {
		t.Error("m1 should succeed before the failure")
	}
	if !contains(nacked, "m2") {
		t.Error("m2 should be nacked on failure")
	}
	if !contains(nacked, "m3") || !contains(nacked, "m4") {
		t.Errorf("m3 and m4 should be nacked by the failure barrier, nacked=%v", nacked)
	}

	// m3 and m4 must never have reached the mediator
	med.mu.Lock()
	seen := med.seen
	med.mu.Unlock()
	if contains(seen, "m3") || contains(seen, "m4") {
		t.Errorf("Barrier-skipped messages reached the mediator: %v", seen)
	}
}

// TestDispatchModeNextOnError verifies later pointers still deliver after a
// failure.
func TestDispatchModeNextOnError(t *testing.T) {
	med := newScriptedMediator()
	med.failWith("n2", MediationResultErrorProcess)
	cb := &trackingCallback{}

	p := NewProcessPool("dispatch-pool", 2, 100, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	submitBatch(t, p, "batch-2", "g", DispatchModeNextOnError, "n1", "n2", "n3")
	time.Sleep(300 * time.Millisecond)

	if !contains(cb.ackedIDs(), "n1") || !contains(cb.ackedIDs(), "n3") {
		t.Errorf("n1 and n3 should succeed despite n2 failing, acked=%v", cb.ackedIDs())
	}
	if !contains(cb.nackedIDs(), "n2") {
		t.Error("n2 should be nacked")
	}
}

// TestErrorConfigIsAckedAsPoison verifies that a configuration error acks
// the message so it is never retried.
func TestErrorConfigIsAckedAsPoison(t *testing.T) {
	med := newScriptedMediator()
	med.failWith("poison", MediationResultErrorConfig)
	cb := &trackingCallback{}

	p := NewProcessPool("dispatch-pool", 2, 100, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	submitBatch(t, p, "batch-3", "g", DispatchModeBlockOnError, "poison", "after")
	time.Sleep(300 * time.Millisecond)

	if !contains(cb.ackedIDs(), "poison") {
		t.Error("ERROR_CONFIG must ack the message as poison")
	}
	// A config error does not trip the failure barrier
	if !contains(cb.ackedIDs(), "after") {
		t.Errorf("Messages after a poison ack should still deliver, acked=%v", cb.ackedIDs())
	}
}

// TestBreakerOpensAndRejectsWithoutIO verifies consecutive failures open
// the breaker and subsequent messages never reach the mediator.
func TestBreakerOpensAndRejectsWithoutIO(t *testing.T) {
	med := newScriptedMediator()
	cb := &trackingCallback{}

	p := NewProcessPool("breaker-pool", 1, 100, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	// Five consecutive failures, each in its own batch so the failure
	// barrier doesn't short-circuit delivery
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("fail-%d", i)
		med.failWith(id, MediationResultErrorProcess)
		submitBatch(t, p, fmt.Sprintf("b-%d", i), "g", DispatchModeNextOnError, id)
	}
	time.Sleep(500 * time.Millisecond)

	if state := p.BreakerState(); state != "OPEN" {
		t.Fatalf("Expected breaker OPEN after 5 consecutive failures, got %s", state)
	}

	callsBefore := med.calls.Load()
	submitBatch(t, p, "b-after", "g", DispatchModeNextOnError, "rejected-1")
	time.Sleep(200 * time.Millisecond)

	if med.calls.Load() != callsBefore {
		t.Error("Open breaker must reject without invoking the mediator")
	}
	if !contains(cb.nackedIDs(), "rejected-1") {
		t.Error("Breaker-rejected message should be nacked for redelivery")
	}
}

// TestBreakerReset verifies the admin reset closes an open breaker.
func TestBreakerReset(t *testing.T) {
	med := newScriptedMediator()
	cb := &trackingCallback{}

	p := NewProcessPool("reset-pool", 1, 100, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("rf-%d", i)
		med.failWith(id, MediationResultErrorProcess)
		submitBatch(t, p, fmt.Sprintf("rb-%d", i), "g", DispatchModeNextOnError, id)
	}
	time.Sleep(500 * time.Millisecond)

	if p.BreakerState() != "OPEN" {
		t.Fatal("Expected breaker OPEN before reset")
	}

	p.ResetBreaker()

	if state := p.BreakerState(); state != "CLOSED" {
		t.Errorf("Expected breaker CLOSED after reset, got %s", state)
	}

	submitBatch(t, p, "rb-ok", "g", DispatchModeNextOnError, "recovered")
	time.Sleep(200 * time.Millisecond)

	if !contains(cb.ackedIDs(), "recovered") {
		t.Error("Message after reset should deliver and ack")
	}
}

// TestSettingsMediatorTimeoutApplied verifies the pool stamps its
// per-attempt deadline onto pointers that carry none.
func TestSettingsMediatorTimeoutApplied(t *testing.T) {
	var seenTimeout atomic.Int32
	med := &timeoutCapturingMediator{captured: &seenTimeout}
	cb := &trackingCallback{}

	p := NewProcessPoolWithSettings(&Settings{
		Code:            "timeout-pool",
		Concurrency:     1,
		QueueCapacity:   10,
		MediatorTimeout: 45 * time.Second,
	}, med, cb)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "t1", MessageGroupID: "g", MediationTarget: "http://unused"})
	time.Sleep(200 * time.Millisecond)

	if seenTimeout.Load() != 45 {
		t.Errorf("Expected pool timeout 45s on the pointer, got %d", seenTimeout.Load())
	}
}

type timeoutCapturingMediator struct {
	captured *atomic.Int32
}

func (m *timeoutCapturingMediator) Process(msg *MessagePointer) *MediationOutcome {
	m.captured.Store(int32(msg.TimeoutSeconds))
	return &MediationOutcome{Result: MediationResultSuccess}
}
