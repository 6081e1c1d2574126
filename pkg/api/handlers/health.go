package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/session"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Are the backing stores reachable?
type HealthHandler struct {
	registry *session.Registry
	store    *content.Store
}

// NewHealthHandler creates a new health handler.
//
// Either dependency may be nil, in which case the readiness probe reports
// unhealthy.
func NewHealthHandler(registry *session.Registry, store *content.Store) *HealthHandler {
	return &HealthHandler{registry: registry, store: store}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns a bare 200 "OK" as long as the HTTP server is responsive. Clients
// poll this endpoint during bootstrap.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK once both backing stores answer a healthcheck, with the
// current session and client counts. Returns 503 Service Unavailable
// otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil || h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("stores not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.registry.Healthcheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("session store: "+err.Error()))
		return
	}
	if err := h.store.Healthcheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("content store: "+err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"active_sessions":   h.registry.ActiveSessions(),
		"connected_clients": h.registry.ConnectedClients(),
	}))
}
