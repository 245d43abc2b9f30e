// Package configfetcher pulls queue/pool configuration from one or more
// control-plane URLs and merges them into a single deterministic snapshot.
//
// This replaces the database-backed config sync of earlier FlowCatalyst
// generations: instead of reading pool definitions out of MongoDB, the
// router treats the control plane's HTTP API as the source of truth and
// polls it on an interval.
package configfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueSpec describes one queue entry returned by the control plane.
type QueueSpec struct {
	QueueURI    string `json:"queueUri"`
	QueueName   string `json:"queueName"`
	Connections int    `json:"connections"`
}

// PoolSpec describes one processing pool entry returned by the control plane.
type PoolSpec struct {
	Code                string `json:"code"`
	Concurrency         int    `json:"concurrency"`
	RateLimitPerMinute  *int   `json:"rateLimitPerMinute"`
	MediatorTimeoutMs   int    `json:"mediatorTimeoutMs"`
	MaxRetries          int    `json:"maxRetries"`
	IdleWorkerTimeoutMs int    `json:"idleWorkerTimeoutMs"`
}

// remoteConfig is the raw shape of GET /api/config/message-router.
type remoteConfig struct {
	Queues          []QueueSpec `json:"queues"`
	ProcessingPools []PoolSpec  `json:"processingPools"`
	Connections     int         `json:"connections"`
}

// MergedConfig is the deterministic union of every reachable source.
type MergedConfig struct {
	Queues      []QueueSpec
	Pools       []PoolSpec
	Connections int
}

// Config configures the Fetcher.
type Config struct {
	// URLs is the list of control-plane base URLs, each queried at
	// "<url>/api/config/message-router".
	URLs []string
	// Interval is how often the caller should poll (the Fetcher itself is
	// pull-based; the caller owns the ticker).
	Interval time.Duration
	// DrainTimeout bounds how long a removed pool is given to drain before
	// it is forcibly cancelled.
	DrainTimeout time.Duration
	// RequestTimeout bounds a single control-plane HTTP call.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:       30 * time.Second,
		DrainTimeout:   30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Fetcher pulls and merges config from the configured control-plane URLs.
type Fetcher struct {
	cfg    *Config
	client *http.Client
}

// New creates a Fetcher. A nil cfg falls back to DefaultConfig with no URLs
// (FetchAll then always returns the "no control-plane URLs configured" error).
func New(cfg *Config) *Fetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// FetchAll queries every configured URL in parallel and merges the results.
// If every source fails, it returns an error and a nil config so the caller
// can retain whatever it already has.
func (f *Fetcher) FetchAll(ctx context.Context) (*MergedConfig, error) {
	if len(f.cfg.URLs) == 0 {
		return nil, fmt.Errorf("configfetcher: no control-plane URLs configured")
	}

	results := make([]*remoteConfig, len(f.cfg.URLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range f.cfg.URLs {
		i, url := i, url
		g.Go(func() error {
			rc, err := f.fetchOne(gctx, url)
			if err != nil {
				slog.Warn("config fetcher: source unreachable", "url", url, "error", err)
				return nil // don't fail the group; other sources may succeed
			}
			results[i] = rc
			return nil
		})
	}
	_ = g.Wait() // fetchOne never returns a non-nil error into the group

	merged, ok := mergeConfigs(results)
	if !ok {
		return nil, fmt.Errorf("configfetcher: all %d sources failed", len(f.cfg.URLs))
	}
	return merged, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, baseURL string) (*remoteConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/config/message-router", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rc remoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &rc, nil
}

// mergeConfigs applies the deterministic merge semantics:
//   - queues union by queueUri, first source wins on conflict (warning logged)
//   - pools union by code, first source wins on conflict
//   - connections = max across sources
//   - identical duplicates collapse silently
func mergeConfigs(results []*remoteConfig) (*MergedConfig, bool) {
	merged := &MergedConfig{}
	any := false

	queueSeen := make(map[string]QueueSpec)
	queueOrder := make([]string, 0)
	poolSeen := make(map[string]PoolSpec)
	poolOrder := make([]string, 0)

	for _, rc := range results {
		if rc == nil {
			continue
		}
		any = true

		if rc.Connections > merged.Connections {
			merged.Connections = rc.Connections
		}

		for _, q := range rc.Queues {
			existing, exists := queueSeen[q.QueueURI]
			if !exists {
				queueSeen[q.QueueURI] = q
				queueOrder = append(queueOrder, q.QueueURI)
				continue
			}
			if existing == q {
				continue // identical duplicate, collapse silently
			}
			slog.Warn("config fetcher: conflicting queue definition, keeping first source",
				"queueUri", q.QueueURI)
		}

		for _, p := range rc.ProcessingPools {
			existing, exists := poolSeen[p.Code]
			if !exists {
				poolSeen[p.Code] = p
				poolOrder = append(poolOrder, p.Code)
				continue
			}
			if samePool(existing, p) {
				continue // identical duplicate, collapse silently
			}
			// First source wins; no warning required by spec for pools.
		}
	}

	if !any {
		return nil, false
	}

	for _, uri := range queueOrder {
		merged.Queues = append(merged.Queues, queueSeen[uri])
	}
	for _, code := range poolOrder {
		merged.Pools = append(merged.Pools, poolSeen[code])
	}

	return merged, true
}

func samePool(a, b PoolSpec) bool {
	if a.Code != b.Code || a.Concurrency != b.Concurrency ||
		a.MediatorTimeoutMs != b.MediatorTimeoutMs || a.MaxRetries != b.MaxRetries ||
		a.IdleWorkerTimeoutMs != b.IdleWorkerTimeoutMs {
		return false
	}
	if (a.RateLimitPerMinute == nil) != (b.RateLimitPerMinute == nil) {
		return false
	}
	if a.RateLimitPerMinute != nil && *a.RateLimitPerMinute != *b.RateLimitPerMinute {
		return false
	}
	return true
}
