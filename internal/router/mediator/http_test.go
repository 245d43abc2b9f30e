package mediator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/pool"
)

func TestNewHTTPMediator(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	if mediator == nil {
		t.Fatal("NewHTTPMediator returned nil")
	}

	if mediator.client == nil {
		t.Error("HTTP client is nil")
	}

	if mediator.maxRetries != 3 {
		t.Errorf("Expected maxRetries 3, got %d", mediator.maxRetries)
	}
}

func TestHTTPMediatorProcess_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ack": true})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultSuccess {
		t.Errorf("Expected Success, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for 400, got %v", outcome.Result)
	}

	if outcome.StatusCode != 400 {
		t.Errorf("Expected status code 400, got %d", outcome.StatusCode)
	}
}

func TestHTTPMediatorProcess_ServerError(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 50 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorProcess {
		t.Errorf("Expected ErrorProcess for 500, got %v", outcome.Result)
	}

	// Should have retried 3 times
	if callCount.Load() != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", callCount.Load())
	}
}

func TestHTTPMediatorProcess_AckFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ack":          false,
			"delaySeconds": 5,
		})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  1, // Only 1 attempt to speed up test
		BaseBackoff: 50 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorProcess {
		t.Errorf("Expected ErrorProcess for ack=false, got %v", outcome.Result)
	}

	if outcome.Delay == nil {
		t.Error("Expected delay to be set")
	} else if *outcome.Delay != 5*time.Second {
		t.Errorf("Expected 5s delay, got %v", *outcome.Delay)
	}
}

func TestHTTPMediatorProcess_TooManyRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]int{"delaySeconds": 10})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: 50 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorProcess {
		t.Errorf("Expected ErrorProcess for 429, got %v", outcome.Result)
	}

	if outcome.StatusCode != 429 {
		t.Errorf("Expected status code 429, got %d", outcome.StatusCode)
	}
}

func TestHTTPMediatorProcess_NilMessage(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	outcome := mediator.Process(nil)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for nil message, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_NoTargetURL(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: "",
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for empty target URL, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     100 * time.Millisecond,
		MaxRetries:  1,
		BaseBackoff: 50 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
		TimeoutSeconds:  1, // Will be overridden by config for this test
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConnection {
		t.Errorf("Expected ErrorConnection for timeout, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ConnectionRefused(t *testing.T) {
	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     1 * time.Second,
		MaxRetries:  1,
		BaseBackoff: 50 * time.Millisecond,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: "http://localhost:59999", // Unlikely to be in use
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConnection {
		t.Errorf("Expected ErrorConnection for connection refused, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Headers(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
		Headers: map[string]string{
			"X-Custom-Header": "test-value",
			"Authorization":   "Bearer token123",
		},
	}

	mediator.Process(msg)

	if receivedHeaders.Get("X-Custom-Header") != "test-value" {
		t.Errorf("Expected X-Custom-Header 'test-value', got '%s'", receivedHeaders.Get("X-Custom-Header"))
	}

	if receivedHeaders.Get("Authorization") != "Bearer token123" {
		t.Errorf("Expected Authorization header, got '%s'", receivedHeaders.Get("Authorization"))
	}

	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", receivedHeaders.Get("Content-Type"))
	}
}

func TestHTTPMediatorProcess_SignatureHeaders(t *testing.T) {
	var receivedHeaders http.Header
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	msg := &pool.MessagePointer{
		ID:              "signed-1",
		MediationTarget: server.URL,
		AuthToken:       "bearer-token",
		SigningSecret:   "signing-secret",
		Payload:         []byte(`{"hello":"world"}`),
	}

	outcome := mediator.Process(msg)
	if outcome.Result != pool.MediationResultSuccess {
		t.Fatalf("Expected SUCCESS, got %s", outcome.Result)
	}

	timestamp := receivedHeaders.Get("X-FlowCatalyst-Timestamp")
	signature := receivedHeaders.Get("X-FlowCatalyst-Signature")
	if timestamp == "" || signature == "" {
		t.Fatal("Expected signature headers when a signing secret is set")
	}
	if receivedHeaders.Get("X-Correlation-Id") == "" {
		t.Error("Expected a correlation ID header")
	}

	expected := signPayload("signing-secret", timestamp, string(receivedBody))
	if signature != expected {
		t.Errorf("Signature mismatch: got %s want %s", signature, expected)
	}
}

func TestHTTPMediatorProcess_NoSignatureWithoutSecret(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	mediator.Process(&pool.MessagePointer{
		ID:              "unsigned-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{}`),
	})

	if receivedHeaders.Get("X-FlowCatalyst-Signature") != "" {
		t.Error("Signature header must be absent without a signing secret")
	}
}

func TestHTTPMediatorProcess_PointerBody(t *testing.T) {
	var receivedBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	msg := &pool.MessagePointer{
		ID:              "ptr-1",
		PoolCode:        "POOL-A",
		MessageGroupID:  "group-7",
		BatchID:         "batch-9",
		MediationType:   "HTTP",
		MediationTarget: server.URL,
		AuthToken:       "must-not-leak",
		SigningSecret:   "must-not-leak-either",
	}

	mediator.Process(msg)

	var body map[string]interface{}
	if err := json.Unmarshal(receivedBody, &body); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if body["id"] != "ptr-1" || body["poolCode"] != "POOL-A" || body["messageGroupId"] != "group-7" {
		t.Errorf("Pointer fields missing from body: %s", receivedBody)
	}
	if strings.Contains(string(receivedBody), "must-not-leak") {
		t.Error("Secret material leaked into the request body")
	}
}

func TestHTTPMediatorProcess_RetryAfterHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	})

	outcome := mediator.Process(&pool.MessagePointer{
		ID:              "retry-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{}`),
	})

	if outcome.Result != pool.MediationResultErrorProcess {
		t.Fatalf("Expected ERROR_PROCESS for 503, got %s", outcome.Result)
	}
	if outcome.GetEffectiveDelaySeconds() != 7 {
		t.Errorf("Expected Retry-After 7s honored, got %d", outcome.GetEffectiveDelaySeconds())
	}
}

func BenchmarkHTTPMediatorProcess(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})

	msg := &pool.MessagePointer{
		ID:              "bench",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mediator.Process(msg)
	}
}
