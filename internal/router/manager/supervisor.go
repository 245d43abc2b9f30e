package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/configfetcher"
)

// SupervisorConfig bounds how hard the consumer side can push the router.
type SupervisorConfig struct {
	// GlobalInFlightCap is the maximum number of messages tracked in the
	// router pipeline before consumers park.
	GlobalInFlightCap int

	// LowWaterRatio is the fraction of the cap the pipeline must drop below
	// before parked consumers resume polling.
	LowWaterRatio float64

	// ParkPollInterval is how often a parked consumer re-checks capacity.
	ParkPollInterval time.Duration
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		GlobalInFlightCap: 500,
		LowWaterRatio:     0.75,
		ParkPollInterval:  250 * time.Millisecond,
	}
}

// ConsumerBuilder creates a queue consumer for one queue URI. The supervisor
// calls it when a queue appears in the control-plane config and again when a
// stalled consumer needs a fresh connection.
type ConsumerBuilder func(queueURI string, connections int) (queue.Consumer, error)

// Supervisor runs one consumer loop per configured queue, bounded by the
// global in-flight cap. On standby it stops consuming entirely; unacked
// messages return to their queues through visibility timeout.
type Supervisor struct {
	manager *QueueManager
	builder ConsumerBuilder
	cfg     *SupervisorConfig

	mu        sync.Mutex
	consumers map[string]*supervisedQueue // keyed by queueURI
	desired   []configfetcher.QueueSpec   // last applied queue list
	paused    bool

	healthCfg    *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

type supervisedQueue struct {
	spec     configfetcher.QueueSpec
	consumer *Consumer
}

// NewSupervisor creates a consumer supervisor. Consumers are not started
// until the first SyncQueues call (normally triggered by config sync).
func NewSupervisor(m *QueueManager, builder ConsumerBuilder, cfg *SupervisorConfig) *Supervisor {
	if cfg == nil {
		cfg = DefaultSupervisorConfig()
	}
	if cfg.LowWaterRatio <= 0 || cfg.LowWaterRatio > 1 {
		cfg.LowWaterRatio = 0.75
	}
	s := &Supervisor{
		manager:   m,
		builder:   builder,
		cfg:       cfg,
		consumers: make(map[string]*supervisedQueue),
	}
	return s
}

// SyncQueues reconciles the running consumers against the desired queue
// list: consumers are started for new queues and stopped for removed ones.
// Connection-count changes restart the affected consumer.
func (s *Supervisor) SyncQueues(queues []configfetcher.QueueSpec, connections int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.desired = queues

	if s.paused {
		// Remember the target set; consumers start on Resume.
		return
	}

	s.reconcileLocked()
}

// reconcileLocked brings the consumer map in line with s.desired.
// Caller must hold s.mu.
func (s *Supervisor) reconcileLocked() {
	want := make(map[string]configfetcher.QueueSpec, len(s.desired))
	for _, q := range s.desired {
		want[q.QueueURI] = q
	}

	// Stop consumers for queues no longer configured
	for uri, sq := range s.consumers {
		if _, ok := want[uri]; !ok {
			slog.Info("Stopping consumer for removed queue", "queueUri", uri)
			sq.consumer.Stop()
			delete(s.consumers, uri)
		}
	}

	// Start consumers for new queues
	for uri, spec := range want {
		if existing, ok := s.consumers[uri]; ok {
			if existing.spec.Connections == spec.Connections {
				continue
			}
			slog.Info("Restarting consumer after connection change",
				"queueUri", uri,
				"connections", spec.Connections)
			existing.consumer.Stop()
			delete(s.consumers, uri)
		}

		qc, err := s.builder(uri, spec.Connections)
		if err != nil {
			slog.Error("Failed to build consumer for queue",
				"queueUri", uri,
				"error", err)
			if s.manager.warningService != nil {
				s.manager.warningService.AddWarning("CONSUMER_BUILD", "ERROR", err.Error(), "Supervisor")
			}
			continue
		}

		c := NewConsumer(s.manager, qc)
		c.gate = s.waitForCapacity
		c.queueID = uri
		c.Start()
		s.consumers[uri] = &supervisedQueue{spec: spec, consumer: c}
		slog.Info("Started consumer", "queueUri", uri, "connections", spec.Connections)
	}
}

// waitForCapacity parks the calling consumer while the router pipeline is at
// or above the global in-flight cap, resuming once it drains below the
// low-water mark.
func (s *Supervisor) waitForCapacity(ctx context.Context) {
	cap := s.cfg.GlobalInFlightCap
	if cap <= 0 {
		return
	}
	if s.manager.GetPipelineSize() < cap {
		return
	}

	lowWater := int(float64(cap) * s.cfg.LowWaterRatio)
	slog.Debug("In-flight cap reached, parking consumer",
		"cap", cap,
		"lowWater", lowWater)

	ticker := time.NewTicker(s.cfg.ParkPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.manager.GetPipelineSize() < lowWater {
				return
			}
		}
	}
}

// Pause stops all consumers without forgetting the configured queue set.
// Called when this instance demotes to standby; in-flight messages are left
// to return via visibility timeout.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	s.paused = true

	for uri, sq := range s.consumers {
		sq.consumer.Stop()
		delete(s.consumers, uri)
	}
	slog.Info("Consumer supervisor paused - standby mode")
}

// Resume restarts consumers for the configured queue set after a promotion.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	s.reconcileLocked()
	slog.Info("Consumer supervisor resumed - primary mode")
}

// Stop stops all consumers for shutdown.
func (s *Supervisor) Stop() {
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthWg.Wait()
		s.healthCancel = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for uri, sq := range s.consumers {
		sq.consumer.Stop()
		delete(s.consumers, uri)
	}
}

// StartHealthMonitor begins stall detection over the supervised consumers.
// A consumer with no activity past the threshold is torn down and rebuilt
// through the builder, up to the configured attempt limit.
func (s *Supervisor) StartHealthMonitor(cfg *ConsumerHealthConfig) {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	if !cfg.Enabled || s.healthCancel != nil {
		return
	}
	s.healthCfg = cfg
	s.healthCtx, s.healthCancel = context.WithCancel(context.Background())

	s.healthWg.Add(1)
	go func() {
		defer s.healthWg.Done()
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.healthCtx.Done():
				return
			case <-ticker.C:
				s.checkConsumerHealth()
			}
		}
	}()
	slog.Info("Supervisor consumer health monitor started",
		"checkInterval", cfg.CheckInterval,
		"stallThreshold", cfg.StallThreshold)
}

// checkConsumerHealth restarts consumers whose activity stalled.
func (s *Supervisor) checkConsumerHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}

	for uri, sq := range s.consumers {
		stalledFor := time.Since(sq.consumer.GetLastActivity())
		if stalledFor < s.healthCfg.StallThreshold {
			if sq.consumer.IsStalled() {
				sq.consumer.stalled.Store(false)
				sq.consumer.resetRestartCount()
			}
			continue
		}

		sq.consumer.stalled.Store(true)
		metrics.ConsumerStallEvents.Inc()

		if sq.consumer.GetRestartCount() >= s.healthCfg.MaxRestartAttempts {
			slog.Error("Consumer exceeded max restart attempts - requires manual intervention",
				"queueUri", uri)
			continue
		}
		attempt := sq.consumer.incrementRestartCount()
		metrics.ConsumerRestarts.Inc()

		slog.Warn("Restarting stalled consumer",
			"queueUri", uri,
			"stalledFor", stalledFor,
			"attempt", attempt)

		sq.consumer.Stop()

		qc, err := s.builder(uri, sq.spec.Connections)
		if err != nil {
			slog.Error("Failed to rebuild stalled consumer", "queueUri", uri, "error", err)
			delete(s.consumers, uri)
			continue
		}
		c := NewConsumer(s.manager, qc)
		c.gate = s.waitForCapacity
		c.queueID = uri
		c.restartCount = attempt
		c.Start()
		s.consumers[uri] = &supervisedQueue{spec: sq.spec, consumer: c}
	}
}

// ActiveQueueCount returns the number of live consumers (for monitoring).
func (s *Supervisor) ActiveQueueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Consumers returns a snapshot of the supervised consumers (for health checks).
func (s *Supervisor) Consumers() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for _, sq := range s.consumers {
		out = append(out, sq.consumer)
	}
	return out
}
