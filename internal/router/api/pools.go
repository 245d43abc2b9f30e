package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/internal/router/pool"
)

// PoolLister exposes the active pools for the admin API.
type PoolLister interface {
	ListPools() []*pool.ProcessPool
	GetPool(code string) *pool.ProcessPool
}

// BreakerResetter resets pool circuit breakers by name.
type BreakerResetter interface {
	ResetCircuitBreaker(name string) bool
}

// PoolsHandler serves the pool admin endpoints:
//
//	GET  /api/pools
//	GET  /api/pools/{code}/stats
//	POST /api/circuit-breakers/{name}/reset
type PoolsHandler struct {
	pools    PoolLister
	breakers BreakerResetter
}

// NewPoolsHandler creates the pool admin handler.
func NewPoolsHandler(pools PoolLister, breakers BreakerResetter) *PoolsHandler {
	return &PoolsHandler{pools: pools, breakers: breakers}
}

// poolSummary is the JSON shape for one pool.
type poolSummary struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty"`
	ActiveWorkers      int    `json:"activeWorkers"`
	QueueSize          int    `json:"queueSize"`
	QueueCapacity      int    `json:"queueCapacity"`
	CircuitBreaker     string `json:"circuitBreaker"`
}

func summarize(p *pool.ProcessPool) poolSummary {
	return poolSummary{
		Code:               p.GetPoolCode(),
		Concurrency:        p.GetConcurrency(),
		RateLimitPerMinute: p.GetRateLimitPerMinute(),
		ActiveWorkers:      p.GetActiveWorkers(),
		QueueSize:          p.GetQueueSize(),
		QueueCapacity:      p.GetQueueCapacity(),
		CircuitBreaker:     p.BreakerState(),
	}
}

// RegisterRoutes mounts the handler on a chi router.
func (h *PoolsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/pools", h.ListPools)
	r.Get("/api/pools/{code}/stats", h.GetPoolStats)
	r.Post("/api/circuit-breakers/{name}/reset", h.ResetBreaker)
}

// ListPools returns all active pools.
func (h *PoolsHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := h.pools.ListPools()
	out := make([]poolSummary, 0, len(pools))
	for _, p := range pools {
		out = append(out, summarize(p))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// GetPoolStats returns one pool's stats.
func (h *PoolsHandler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	p := h.pools.GetPool(code)
	if p == nil {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summarize(p))
}

// ResetBreaker resets one pool's circuit breaker.
func (h *PoolsHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.breakers.ResetCircuitBreaker(name) {
		http.Error(w, "circuit breaker not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset", "name": name})
}
