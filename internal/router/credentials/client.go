// Package credentials fetches and caches webhook signing credentials from
// the control plane.
//
// A service account's credentials carry the bearer token presented to the
// target webhook and the secret used for request signing. Secrets may be
// stored indirectly: when the control plane returns a "secretRef" instead
// of the literal value, the configured secrets provider resolves it. Both
// values are treated as opaque and never logged.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/secrets"
)

// WebhookCredentials is the resolved credential set for one service account.
type WebhookCredentials struct {
	AuthToken        string `json:"authToken"`
	SigningSecret    string `json:"signingSecret"`
	SigningAlgorithm string `json:"signingAlgorithm"`

	// SecretRef, when set, points at the signing secret in the secrets
	// provider instead of carrying the value inline.
	SecretRef string `json:"secretRef,omitempty"`
}

// Redacted returns a loggable copy with secret material blanked.
func (c *WebhookCredentials) Redacted() WebhookCredentials {
	out := *c
	if out.AuthToken != "" {
		out.AuthToken = "[redacted]"
	}
	if out.SigningSecret != "" {
		out.SigningSecret = "[redacted]"
	}
	return out
}

// Client fetches webhook credentials with a TTL cache.
type Client struct {
	baseURL     string
	ttl         time.Duration
	httpClient  *http.Client
	tokenSource TokenSource
	secrets     secrets.Provider

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	creds     *WebhookCredentials
	fetchedAt time.Time
}

// Config configures the credentials client.
type Config struct {
	// BaseURL is the control-plane base URL.
	BaseURL string

	// TTL is how long fetched credentials stay cached.
	TTL time.Duration

	// TokenSource authenticates calls to the control plane. Nil means
	// unauthenticated (dev mode).
	TokenSource TokenSource

	// Secrets resolves secret references returned by the control plane.
	// Nil disables reference resolution.
	Secrets secrets.Provider

	// RequestTimeout bounds a single fetch.
	RequestTimeout time.Duration
}

// NewClient creates a credentials client.
func NewClient(cfg *Config) *Client {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ts := cfg.TokenSource
	if ts == nil {
		ts = NoopTokenSource{}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		ttl:         ttl,
		httpClient:  &http.Client{Timeout: timeout},
		tokenSource: ts,
		secrets:     cfg.Secrets,
		cache:       make(map[string]cacheEntry),
	}
}

// Get returns the credentials for a service account, from cache when fresh.
func (c *Client) Get(ctx context.Context, serviceAccountID string) (*WebhookCredentials, error) {
	c.mu.RLock()
	entry, ok := c.cache[serviceAccountID]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.creds, nil
	}

	creds, err := c.fetch(ctx, serviceAccountID)
	if err != nil {
		// Serve stale credentials over failing hard; the control plane
		// may be briefly unreachable while targets still accept the
		// previous token.
		if ok {
			slog.Warn("Credentials refresh failed - serving cached credentials",
				"serviceAccountId", serviceAccountID,
				"error", err)
			return entry.creds, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[serviceAccountID] = cacheEntry{creds: creds, fetchedAt: time.Now()}
	c.mu.Unlock()

	return creds, nil
}

// Invalidate drops a cached entry, forcing the next Get to refetch.
func (c *Client) Invalidate(serviceAccountID string) {
	c.mu.Lock()
	delete(c.cache, serviceAccountID)
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, serviceAccountID string) (*WebhookCredentials, error) {
	url := fmt.Sprintf("%s/api/service-accounts/%s/webhook-credentials", c.baseURL, serviceAccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: obtaining access token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credentials: fetch for %s: %w", serviceAccountID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentials: fetch for %s: unexpected status %d", serviceAccountID, resp.StatusCode)
	}

	var creds WebhookCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("credentials: decode for %s: %w", serviceAccountID, err)
	}

	// Resolve an indirect signing secret through the secrets provider
	if creds.SigningSecret == "" && creds.SecretRef != "" && c.secrets != nil {
		secret, err := c.secrets.Get(ctx, creds.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("credentials: resolving secret ref for %s: %w", serviceAccountID, err)
		}
		creds.SigningSecret = secret
	}

	return &creds, nil
}
