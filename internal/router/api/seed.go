package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// SeedHandler produces synthetic message pointers for local testing.
// POST /api/seed/messages. Only mounted in dev mode.
type SeedHandler struct {
	publisher queue.Publisher
}

// NewSeedHandler creates a seed handler backed by the given publisher.
func NewSeedHandler(publisher queue.Publisher) *SeedHandler {
	return &SeedHandler{publisher: publisher}
}

// SeedRequest describes the synthetic batch to produce.
type SeedRequest struct {
	// Count is how many pointers to publish (default 1, max 10000).
	Count int `json:"count"`

	// PoolCode targets a processing pool (default "default").
	PoolCode string `json:"poolCode"`

	// MessageGroupID pins all pointers to one FIFO group. Empty means
	// each pointer gets its own group.
	MessageGroupID string `json:"messageGroupId"`

	// MediationTarget is the webhook the router should deliver to.
	MediationTarget string `json:"mediationTarget"`

	// AuthToken is passed through to the pointer (optional).
	AuthToken string `json:"authToken"`
}

// SeedResponse reports what was published.
type SeedResponse struct {
	Published int      `json:"published"`
	IDs       []string `json:"ids"`
}

// ServeHTTP handles the seed request.
func (h *SeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.MediationTarget == "" {
		http.Error(w, "mediationTarget is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 10000 {
		req.Count = 10000
	}
	if req.PoolCode == "" {
		req.PoolCode = "default"
	}

	resp := SeedResponse{IDs: make([]string, 0, req.Count)}

	for i := 0; i < req.Count; i++ {
		id := tsid.Generate()

		groupID := req.MessageGroupID
		if groupID == "" {
			groupID = "seed-" + id
		}

		pointer := model.MessagePointer{
			ID:              id,
			PoolCode:        req.PoolCode,
			AuthToken:       req.AuthToken,
			MediationType:   model.MediationTypeHTTP,
			MediationTarget: req.MediationTarget,
			MessageGroupID:  groupID,
		}

		data, err := json.Marshal(pointer)
		if err != nil {
			http.Error(w, fmt.Sprintf("encoding pointer: %v", err), http.StatusInternalServerError)
			return
		}

		if err := h.publisher.PublishWithGroup(r.Context(), "dispatch.seed", data, groupID); err != nil {
			slog.Error("Seed publish failed", "error", err, "published", resp.Published)
			http.Error(w, fmt.Sprintf("publish failed after %d messages: %v", resp.Published, err), http.StatusBadGateway)
			return
		}

		resp.Published++
		resp.IDs = append(resp.IDs, id)
	}

	slog.Info("Seeded synthetic messages",
		"count", resp.Published,
		"pool", req.PoolCode,
		"target", req.MediationTarget)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}
