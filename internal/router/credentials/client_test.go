package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(WebhookCredentials{
			AuthToken:        "token-1",
			SigningSecret:    "secret-1",
			SigningAlgorithm: "HMAC-SHA256",
		})
	}))
	defer server.Close()

	client := NewClient(&Config{BaseURL: server.URL, TTL: time.Minute})

	for i := 0; i < 3; i++ {
		creds, err := client.Get(context.Background(), "sa-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if creds.AuthToken != "token-1" {
			t.Errorf("Unexpected token: %s", creds.AuthToken)
		}
	}

	if hits.Load() != 1 {
		t.Errorf("Expected 1 upstream fetch, got %d", hits.Load())
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(WebhookCredentials{AuthToken: "t"})
	}))
	defer server.Close()

	client := NewClient(&Config{BaseURL: server.URL, TTL: 10 * time.Millisecond})

	if _, err := client.Get(context.Background(), "sa-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Get(context.Background(), "sa-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if hits.Load() != 2 {
		t.Errorf("Expected 2 upstream fetches, got %d", hits.Load())
	}
}

func TestGetServesStaleOnUpstreamFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(WebhookCredentials{AuthToken: "stale-ok"})
	}))
	defer server.Close()

	client := NewClient(&Config{BaseURL: server.URL, TTL: time.Nanosecond})

	if _, err := client.Get(context.Background(), "sa-1"); err != nil {
		t.Fatalf("Initial get failed: %v", err)
	}

	fail.Store(true)
	creds, err := client.Get(context.Background(), "sa-1")
	if err != nil {
		t.Fatalf("Expected stale credentials, got error: %v", err)
	}
	if creds.AuthToken != "stale-ok" {
		t.Errorf("Expected cached token, got %s", creds.AuthToken)
	}
}

func TestGetErrorWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(&Config{BaseURL: server.URL})

	if _, err := client.Get(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for unknown service account")
	}
}

func TestRedacted(t *testing.T) {
	creds := &WebhookCredentials{
		AuthToken:        "super-secret-token",
		SigningSecret:    "super-secret-key",
		SigningAlgorithm: "HMAC-SHA256",
	}

	red := creds.Redacted()
	if red.AuthToken != "[redacted]" || red.SigningSecret != "[redacted]" {
		t.Errorf("Secrets not redacted: %+v", red)
	}
	if red.SigningAlgorithm != "HMAC-SHA256" {
		t.Errorf("Non-secret field should survive redaction")
	}
	if creds.AuthToken != "super-secret-token" {
		t.Errorf("Redacted must not mutate the original")
	}
}

func TestInvalidate(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(WebhookCredentials{AuthToken: "t"})
	}))
	defer server.Close()

	client := NewClient(&Config{BaseURL: server.URL, TTL: time.Hour})

	client.Get(context.Background(), "sa-1")
	client.Invalidate("sa-1")
	client.Get(context.Background(), "sa-1")

	if hits.Load() != 2 {
		t.Errorf("Expected invalidate to force a refetch, hits=%d", hits.Load())
	}
}
