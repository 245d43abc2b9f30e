// Package mediator provides HTTP webhook mediation
package mediator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks. It is stateless beyond
// its pooled HTTP client and is safe to call from many group workers at
// once; circuit breaking is owned by the pool scheduler, not here.
type HTTPMediator struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors
	MaxRetries int

	// BaseBackoff for retry backoff (multiplied by attempt number)
	BaseBackoff time.Duration
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
// Timeout is 900s (15 minutes) to support long-running webhooks, and HTTP/2
// is used by default.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:     900 * time.Second,
		HTTPVersion: HTTPVersion2,
		MaxRetries:  3,
		BaseBackoff: time.Second,
	}
}

// DevHTTPMediatorConfig returns config suitable for development (HTTP/1.1,
// easier to trace with local proxies).
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	return &HTTPMediator{
		client:      client,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

// Process processes a message through HTTP mediation. Callers (the pool
// scheduler) are responsible for circuit breaking and rate limiting; this
// method only performs the retrying HTTP exchange.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("nil message"),
		}
	}

	if msg.MediationTarget == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("no target URL"),
		}
	}

	outcome, _ := m.executeWithRetry(msg)
	return outcome
}

// executeWithRetry executes the HTTP request with retry logic
func (m *HTTPMediator) executeWithRetry(msg *pool.MessagePointer) (*pool.MediationOutcome, error) {
	var lastOutcome *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, attempt)
		lastOutcome = outcome

		if outcome.Result == pool.MediationResultSuccess {
			return outcome, nil
		}

		if outcome.Result == pool.MediationResultErrorConfig {
			// Config errors (4xx) should not be retried
			return outcome, nil
		}

		if !m.isRetryable(outcome) {
			return outcome, nil
		}

		if attempt < m.maxRetries {
			backoff := time.Duration(attempt) * m.baseBackoff
			slog.Info("Retrying after backoff",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}
	}

	return lastOutcome, lastOutcome.Error
}

// buildRequestBody renders the outbound body: the raw payload when the
// pointer carries one, otherwise the JSON-encoded pointer itself. Secret
// fields never enter the body; the token travels in the Authorization
// header only.
func buildRequestBody(msg *pool.MessagePointer) string {
	if len(msg.Payload) > 0 {
		return string(msg.Payload)
	}

	body := struct {
		ID              string `json:"id"`
		PoolCode        string `json:"poolCode,omitempty"`
		MessageGroupID  string `json:"messageGroupId,omitempty"`
		BatchID         string `json:"batchId,omitempty"`
		MediationType   string `json:"mediationType,omitempty"`
		MediationTarget string `json:"mediationTarget,omitempty"`
	}{
		ID:              msg.ID,
		PoolCode:        msg.PoolCode,
		MessageGroupID:  msg.MessageGroupID,
		BatchID:         msg.BatchID,
		MediationType:   msg.MediationType,
		MediationTarget: msg.MediationTarget,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"id":%q}`, msg.ID)
	}
	return string(encoded)
}

// signPayload computes the FlowCatalyst webhook signature: hex HMAC-SHA256
// over "<timestamp>.<body>". The secret is opaque and never logged.
func signPayload(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// executeOnce executes a single HTTP request.
// POST to mediationTarget with the pointer body; Authorization: Bearer
// <authToken>; FlowCatalyst signature headers when a signing secret is
// configured on the pointer.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer, attempt int) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	timeout := 900 * time.Second
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload := buildRequestBody(msg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	correlationID := msg.ID
	if correlationID == "" {
		correlationID = tsid.Generate()
	}
	req.Header.Set("X-Correlation-Id", correlationID)

	if msg.SigningSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-FlowCatalyst-Timestamp", timestamp)
		req.Header.Set("X-FlowCatalyst-Signature", signPayload(msg.SigningSecret, timestamp, payload))
	}

	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("Executing HTTP request",
		"messageId", msg.ID,
		"target", targetURL,
		"attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	metrics.MediatorDuration.WithLabelValues(msg.PoolCode, "attempt").Observe(duration.Seconds())

	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues("POST", "mediate", "error").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.HTTPRequestsTotal.WithLabelValues("POST", "mediate", strconv.Itoa(resp.StatusCode)).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	return m.handleResponse(msg, resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

// handleError handles HTTP errors
func (m *HTTPMediator) handleError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error", "messageId", msg.ID, "error", err, "timeout", netErr.Timeout())
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
}

// handleResponse classifies an HTTP response into a MediationOutcome.
func (m *HTTPMediator) handleResponse(msg *pool.MessagePointer, statusCode int, retryAfterHeader string, body []byte) *pool.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := m.parseAckFromResponse(body)

		if ack != nil && !*ack {
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode}
	}

	// 408, 425, 429 are treated as transient even though they're 4xx.
	if statusCode == 408 || statusCode == 425 || statusCode == 429 {
		delay := m.parseRetryAfter(retryAfterHeader, body)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode, Delay: delay}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error - will not retry", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, StatusCode: statusCode}
	}

	if statusCode >= 500 {
		delay := m.parseRetryAfter(retryAfterHeader, body)
		slog.Warn("Server error - will retry", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode, Delay: delay}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}
}

// parseAckFromResponse parses the ack field from a JSON response
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

// parseDelayFromResponse parses the delaySeconds field from a JSON response
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}

// parseRetryAfter resolves the delay for a transient response: the
// Retry-After header takes precedence, then a delaySeconds body field,
// then a short default.
func (m *HTTPMediator) parseRetryAfter(retryAfterHeader string, body []byte) *time.Duration {
	if retryAfterHeader != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && seconds > 0 {
			d := time.Duration(seconds) * time.Second
			return &d
		}
	}

	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}

	d := 5 * time.Second
	return &d
}

// isRetryable determines if an outcome should be retried
func (m *HTTPMediator) isRetryable(outcome *pool.MediationOutcome) bool {
	switch outcome.Result {
	case pool.MediationResultErrorConnection, pool.MediationResultErrorProcess:
		return true
	default:
		return false
	}
}
