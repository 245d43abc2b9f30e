// Package metrics defines the Prometheus collectors exported by the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts pointers pulled off a queue adapter, per pool.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_received_total",
			Help:      "Total message pointers received from queue adapters",
		},
		[]string{"pool_code"},
	)

	// MessagesAcked counts positive acknowledgements issued back to the broker.
	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_acked_total",
			Help:      "Total messages acknowledged back to the queue",
		},
		[]string{"pool_code"},
	)

	// MessagesNacked counts negative acknowledgements, with the reason that caused them.
	MessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "messages_nacked_total",
			Help:      "Total messages negatively acknowledged back to the queue",
		},
		[]string{"pool_code", "reason"}, // reason: error_process, error_connection, circuit_open, rate_limited, saturation
	)

	// MediatorDuration tracks end-to-end mediation latency including retries.
	MediatorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Name:      "mediator_duration_seconds",
			Help:      "Time spent mediating a single pointer",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool", "outcome"},
	)

	// PoolActiveWorkers is the number of live group workers for a pool.
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "pool_active_workers",
			Help:      "Number of active group workers in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth is the number of pointers queued but not yet dispatched.
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "pool_queue_depth",
			Help:      "Number of messages pending in the pool queue",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits is the number of free concurrency slots.
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "pool_available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount is the number of active message-group workers.
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "pool_message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// RateLimiterAcquired counts successful token-bucket acquisitions.
	RateLimiterAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "rate_limiter_acquired_total",
			Help:      "Total token-bucket acquisitions that succeeded",
		},
		[]string{"pool_code"},
	)

	// RateLimiterRejected counts rate-limit rejections.
	RateLimiterRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "rate_limiter_rejected_total",
			Help:      "Total messages rejected due to rate limiting",
		},
		[]string{"pool_code"},
	)

	// CircuitBreakerState is 0=closed, 1=open, 2=half-open, one gauge per named breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerCalls counts every call the breaker mediated, by outcome.
	CircuitBreakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Name:      "circuit_breaker_calls_total",
			Help:      "Total calls observed by a circuit breaker",
		},
		[]string{"name", "result"}, // result: success, failure, rejected
	)

	// StandbyRole is 1 when this instance holds the primary lock, 0 otherwise.
	StandbyRole = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Name:      "standby_role",
			Help:      "Cluster role of this instance (0=standby, 1=primary)",
		},
	)

	// Queue adapter metrics

	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to a queue adapter",
		},
		[]string{"queue_type"},
	)

	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from a queue adapter",
		},
		[]string{"queue_type"},
	)

	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// Consumer supervisor health metrics

	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Router-level saturation and pipeline bookkeeping

	SaturationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "router",
			Name:      "saturation_events_total",
			Help:      "Total pool-full/rate-limited rejections retried by the router",
		},
		[]string{"pool_code"},
	)

	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of messages currently tracked in-flight at the router",
		},
	)

	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total queue capacity across all processing pools",
		},
	)

	// Config fetcher metrics

	ConfigFetchSuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "config",
			Name:      "fetch_success_total",
			Help:      "Total successful config-fetcher refresh cycles",
		},
	)

	ConfigFetchFailure = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "config",
			Name:      "fetch_failure_total",
			Help:      "Total config-fetcher cycles where every source failed",
		},
	)

	// HTTP admin API metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP admin API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Circuit breaker state values shared with gobreaker.State conversions.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
