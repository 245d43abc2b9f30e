package metrics

import (
	"time"

	"go.flowcatalyst.tech/internal/router/health"
)

// HealthAdapter exposes the in-memory statistics services through the
// provider interfaces the health and monitoring packages consume. The two
// packages keep separate stat structs on purpose: the health shapes are a
// stable dashboard contract, while these accumulate rolling windows.
type HealthAdapter struct {
	Pools  *InMemoryPoolMetricsService
	Queues *InMemoryQueueMetricsService
}

// NewHealthAdapter wraps the given services.
func NewHealthAdapter(pools *InMemoryPoolMetricsService, queues *InMemoryQueueMetricsService) *HealthAdapter {
	return &HealthAdapter{Pools: pools, Queues: queues}
}

// GetAllPoolStats implements health.PoolMetricsProvider.
func (a *HealthAdapter) GetAllPoolStats() map[string]*health.PoolStats {
	out := make(map[string]*health.PoolStats)
	if a.Pools == nil {
		return out
	}
	for code, s := range a.Pools.GetAllPoolStats() {
		out[code] = &health.PoolStats{
			PoolCode:                s.PoolCode,
			TotalProcessed:          s.TotalProcessed,
			TotalSucceeded:          s.TotalSucceeded,
			TotalFailed:             s.TotalFailed,
			TotalRateLimited:        s.TotalRateLimited,
			SuccessRate:             s.SuccessRate,
			ActiveWorkers:           s.ActiveWorkers,
			AvailablePermits:        s.AvailablePermits,
			MaxConcurrency:          s.MaxConcurrency,
			QueueSize:               s.QueueSize,
			MaxQueueCapacity:        s.MaxQueueCapacity,
			AverageProcessingTimeMs: s.AverageProcessingTimeMs,
		}
	}
	return out
}

// GetLastActivityTimestamp implements health.PoolMetricsProvider.
func (a *HealthAdapter) GetLastActivityTimestamp(poolCode string) *time.Time {
	if a.Pools == nil {
		return nil
	}
	return a.Pools.GetLastActivityTimestamp(poolCode)
}

// GetAllQueueStats implements health.QueueStatsGetter.
func (a *HealthAdapter) GetAllQueueStats() map[string]*health.QueueStats {
	out := make(map[string]*health.QueueStats)
	if a.Queues == nil {
		return out
	}
	for id, s := range a.Queues.GetAllQueueStats() {
		out[id] = &health.QueueStats{
			Name:               s.Name,
			TotalMessages:      s.TotalMessages,
			TotalConsumed:      s.TotalConsumed,
			TotalFailed:        s.TotalFailed,
			SuccessRate:        s.SuccessRate,
			CurrentSize:        s.CurrentSize,
			Throughput:         s.Throughput,
			PendingMessages:    s.PendingMessages,
			MessagesNotVisible: s.MessagesNotVisible,
		}
	}
	return out
}

// GetTotalQueueDepth implements health.QueueStatsGetter.
func (a *HealthAdapter) GetTotalQueueDepth() int64 {
	var total int64
	for _, s := range a.GetAllQueueStats() {
		total += s.CurrentSize
	}
	return total
}

// GetThroughput implements health.QueueStatsGetter.
func (a *HealthAdapter) GetThroughput() float64 {
	var total float64
	for _, s := range a.GetAllQueueStats() {
		total += s.Throughput
	}
	return total
}
