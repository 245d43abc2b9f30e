package manager

import (
	"time"

	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/pool"
)

// ListPools returns a snapshot of the active pools.
func (m *QueueManager) ListPools() []*pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	out := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// GetInFlightMessages returns messages currently tracked in the pipeline,
// optionally filtered by message ID, up to limit. The order is not defined
// (no sorting is applied). Auth material on the message is never included.
func (m *QueueManager) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	if limit <= 0 {
		limit = 100
	}

	now := time.Now().UnixMilli()
	var out []*health.InFlightMessage

	m.inPipelineMap.Range(func(key, value interface{}) bool {
		msg, ok := value.(*DispatchMessage)
		if !ok {
			return true
		}
		if messageID != "" && msg.JobID != messageID {
			return true
		}

		started := now
		if ts, ok := m.inPipelineTimestamps.Load(key); ok {
			started = ts.(int64)
		}

		out = append(out, &health.InFlightMessage{
			MessageID:    msg.JobID,
			PoolCode:     msg.DispatchPoolID,
			MessageGroup: msg.MessageGroup,
			TargetURL:    msg.TargetURL,
			StartedAt:    time.UnixMilli(started),
			DurationMs:   now - started,
		})

		return len(out) < limit
	})

	return out
}

// GetAllCircuitBreakerStats returns breaker statistics for every pool.
func (m *QueueManager) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	stats := make(map[string]*health.CircuitBreakerStats)
	for _, p := range m.ListPools() {
		counts := p.BreakerCounts()
		total := counts.TotalSuccesses + counts.TotalFailures
		failureRate := 0.0
		if total > 0 {
			failureRate = float64(counts.TotalFailures) / float64(total)
		}
		stats[p.GetPoolCode()] = &health.CircuitBreakerStats{
			Name:            p.GetPoolCode(),
			State:           p.BreakerState(),
			SuccessfulCalls: int64(counts.TotalSuccesses),
			FailedCalls:     int64(counts.TotalFailures),
			FailureRate:     failureRate,
			BufferedCalls:   int(counts.Requests),
		}
	}
	return stats
}

// GetOpenCircuitBreakerCount returns the number of pools whose breaker is
// not closed.
func (m *QueueManager) GetOpenCircuitBreakerCount() int {
	count := 0
	for _, p := range m.ListPools() {
		if p.BreakerState() != "CLOSED" {
			count++
		}
	}
	return count
}

// GetCircuitBreakerState returns a single pool's breaker state, or empty
// when the pool does not exist.
func (m *QueueManager) GetCircuitBreakerState(name string) string {
	p := m.GetPool(name)
	if p == nil {
		return ""
	}
	return p.BreakerState()
}

// ResetCircuitBreaker resets one pool's breaker. Returns false when the
// pool does not exist.
func (m *QueueManager) ResetCircuitBreaker(name string) bool {
	p := m.GetPool(name)
	if p == nil {
		return false
	}
	p.ResetBreaker()
	return true
}

// ResetAllCircuitBreakers resets every pool's breaker.
func (m *QueueManager) ResetAllCircuitBreakers() {
	for _, p := range m.ListPools() {
		p.ResetBreaker()
	}
}
