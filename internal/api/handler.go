// Package api provides HTTP handlers for the policy assistant API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves server-level endpoints: health and frontend configuration.
type Handler struct {
	db  Pinger
	cfg *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(db Pinger, cfg *config.Config) *Handler {
	return &Handler{db: db, cfg: cfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the config and health routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/health", h.Health)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"agent_configured": false,
		"region":           "",
	}
	if h.cfg != nil {
		resp["agent_configured"] = h.cfg.AgentConfigured()
		resp["region"] = h.cfg.Agent.Region
	}
	JSON(w, http.StatusOK, resp)
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.db == nil {
		checks["history"] = "unavailable"
	} else if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["history"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["history"] = "ok"
	}

	if h.cfg != nil && h.cfg.AgentConfigured() {
		checks["agent"] = "configured"
	} else {
		checks["agent"] = "not_configured"
	}

	JSON(w, statusCode, status)
}
