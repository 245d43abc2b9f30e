package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Message flow counters ===

func TestMessagesReceived_Counter(t *testing.T) {
	before := testutil.ToFloat64(MessagesReceived.WithLabelValues("metrics-test-pool"))
	MessagesReceived.WithLabelValues("metrics-test-pool").Inc()
	after := testutil.ToFloat64(MessagesReceived.WithLabelValues("metrics-test-pool"))

	if after != before+1 {
		t.Errorf("Expected counter to increment by 1, got %f -> %f", before, after)
	}
}

func TestMessagesAcked_Counter(t *testing.T) {
	before := testutil.ToFloat64(MessagesAcked.WithLabelValues("metrics-test-pool"))
	MessagesAcked.WithLabelValues("metrics-test-pool").Inc()
	after := testutil.ToFloat64(MessagesAcked.WithLabelValues("metrics-test-pool"))

	if after != before+1 {
		t.Errorf("Expected ack counter to increment, got %f -> %f", before, after)
	}
}

func TestMessagesNacked_Reasons(t *testing.T) {
	reasons := []string{"error_process", "error_connection", "rate_limited", "saturation"}
	for _, reason := range reasons {
		MessagesNacked.WithLabelValues("metrics-test-pool", reason).Inc()
		if testutil.ToFloat64(MessagesNacked.WithLabelValues("metrics-test-pool", reason)) < 1 {
			t.Errorf("Expected nack counter for reason %q to be recorded", reason)
		}
	}
}

func TestMediatorDuration_Observe(t *testing.T) {
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		MediatorDuration.WithLabelValues("metrics-test-pool", "SUCCESS").Observe(d)
	}

	histogram := MediatorDuration.WithLabelValues("metrics-test-pool", "SUCCESS")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

// === Pool gauges ===

func TestPoolActiveWorkers_GaugeOperations(t *testing.T) {
	gauge := PoolActiveWorkers.WithLabelValues("metrics-test-gauge-pool")

	gauge.Set(5)
	if v := testutil.ToFloat64(gauge); v != 5 {
		t.Errorf("Expected gauge 5, got %f", v)
	}

	gauge.Inc()
	if v := testutil.ToFloat64(gauge); v != 6 {
		t.Errorf("Expected gauge 6 after Inc, got %f", v)
	}

	gauge.Dec()
	if v := testutil.ToFloat64(gauge); v != 5 {
		t.Errorf("Expected gauge 5 after Dec, got %f", v)
	}
}

func TestPoolQueueDepth_GaugeOperations(t *testing.T) {
	gauge := PoolQueueDepth.WithLabelValues("metrics-test-depth-pool")

	gauge.Set(42)
	if v := testutil.ToFloat64(gauge); v != 42 {
		t.Errorf("Expected depth 42, got %f", v)
	}

	gauge.Set(0)
	if v := testutil.ToFloat64(gauge); v != 0 {
		t.Errorf("Expected depth 0, got %f", v)
	}
}

// === Rate limiter counters ===

func TestRateLimiter_Counters(t *testing.T) {
	RateLimiterAcquired.WithLabelValues("metrics-test-rl-pool").Inc()
	RateLimiterRejected.WithLabelValues("metrics-test-rl-pool").Inc()

	if testutil.ToFloat64(RateLimiterAcquired.WithLabelValues("metrics-test-rl-pool")) < 1 {
		t.Error("Expected acquired counter to be recorded")
	}
	if testutil.ToFloat64(RateLimiterRejected.WithLabelValues("metrics-test-rl-pool")) < 1 {
		t.Error("Expected rejected counter to be recorded")
	}
}

// === Circuit breaker metrics ===

func TestCircuitBreakerState_Values(t *testing.T) {
	gauge := CircuitBreakerState.WithLabelValues("metrics-test-breaker")

	for _, state := range []float64{CircuitBreakerClosed, CircuitBreakerOpen, CircuitBreakerHalfOpen} {
		gauge.Set(state)
		if v := testutil.ToFloat64(gauge); v != state {
			t.Errorf("Expected breaker state %f, got %f", state, v)
		}
	}
}

func TestCircuitBreakerCalls_Results(t *testing.T) {
	for _, result := range []string{"success", "failure", "rejected"} {
		CircuitBreakerCalls.WithLabelValues("metrics-test-breaker", result).Inc()
		if testutil.ToFloat64(CircuitBreakerCalls.WithLabelValues("metrics-test-breaker", result)) < 1 {
			t.Errorf("Expected breaker call counter for %q", result)
		}
	}
}

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected closed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected open=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected half-open=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Standby role ===

func TestStandbyRole_Gauge(t *testing.T) {
	StandbyRole.Set(1)
	if v := testutil.ToFloat64(StandbyRole); v != 1 {
		t.Errorf("Expected standby role 1, got %f", v)
	}
	StandbyRole.Set(0)
	if v := testutil.ToFloat64(StandbyRole); v != 0 {
		t.Errorf("Expected standby role 0, got %f", v)
	}
}

// === Queue adapter metrics ===

func TestQueueMessagesPublished_Labels(t *testing.T) {
	for _, queueType := range []string{"sqs", "sqlite", "activemq", "nats"} {
		QueueMessagesPublished.WithLabelValues(queueType).Inc()
		if testutil.ToFloat64(QueueMessagesPublished.WithLabelValues(queueType)) < 1 {
			t.Errorf("Expected publish counter for %q", queueType)
		}
	}
}

func TestQueueMessagesConsumed_Labels(t *testing.T) {
	QueueMessagesConsumed.WithLabelValues("metrics-test-type").Inc()
	if testutil.ToFloat64(QueueMessagesConsumed.WithLabelValues("metrics-test-type")) < 1 {
		t.Error("Expected consume counter to be recorded")
	}
}

func TestQueuePublishErrors_Counter(t *testing.T) {
	QueuePublishErrors.WithLabelValues("metrics-test-type").Inc()
	if testutil.ToFloat64(QueuePublishErrors.WithLabelValues("metrics-test-type")) < 1 {
		t.Error("Expected publish error counter to be recorded")
	}
}

// === Router bookkeeping ===

func TestSaturationEvents_Counter(t *testing.T) {
	SaturationEvents.WithLabelValues("metrics-test-pool").Inc()
	if testutil.ToFloat64(SaturationEvents.WithLabelValues("metrics-test-pool")) < 1 {
		t.Error("Expected saturation counter to be recorded")
	}
}

func TestPipelineGauges(t *testing.T) {
	PipelineMapSize.Set(17)
	if v := testutil.ToFloat64(PipelineMapSize); v != 17 {
		t.Errorf("Expected pipeline size 17, got %f", v)
	}

	PipelineTotalCapacity.Set(500)
	if v := testutil.ToFloat64(PipelineTotalCapacity); v != 500 {
		t.Errorf("Expected capacity 500, got %f", v)
	}
}

// === HTTP metrics ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/metrics-test", "200").Inc()
	HTTPRequestsTotal.WithLabelValues("POST", "/metrics-test", "500").Inc()

	if testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/metrics-test", "200")) < 1 {
		t.Error("Expected request counter for GET 200")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/metrics-test").Observe(0.05)

	histogram := HTTPRequestDuration.WithLabelValues("GET", "/metrics-test")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}
