package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/api"
	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler handles agent HTTP requests.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	maxBodySize int64
	origin      string
	isDev       bool
	done        chan struct{}
	closeOnce   sync.Once
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not the conversation key, so clients cannot bypass
// throttling by rotating tab session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
// The goroutine exits when done is closed.
func NewRateLimiter(limit int, window time.Duration, done <-chan struct{}) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	rl.startEviction(done)
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		var fresh []time.Time
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// NewHandler creates an agent handler. A nil cfg uses defaults.
func NewHandler(agentService *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	maxBodySize := int64(defaultMaxRequestBodySize)
	origin := "*"
	isDev := true

	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		maxBodySize = cfg.Stream.MaxRequestBodySize
		origin = cfg.AllowedOrigins()[0]
		isDev = cfg.IsDevelopment()
	}

	done := make(chan struct{})
	return &Handler{
		agent:       agentService,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow, done),
		maxBodySize: maxBodySize,
		origin:      origin,
		isDev:       isDev,
		done:        done,
	}
}

// RegisterRoutes registers agent routes (requires the identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/ask", h.HandleAsk)
		r.Post("/invoke", h.HandleInvoke)
		r.Post("/reset", h.HandleReset)
		r.Get("/history", h.HandleHistory)
		r.Get("/prompts", h.HandlePrompts)
	})
	r.Get("/ws/agent", h.HandleWebSocket)
}

// Close stops background goroutines and releases the service.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.agent != nil {
			if err := h.agent.Close(); err != nil {
				slog.Warn("failed to close agent service", "error", err)
			}
		}
	})
}

// decodeBody reads a size-limited JSON body into v and writes the error response on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// HandleAsk handles POST /api/agent/ask: one question in the caller's conversation.
func (h *Handler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	key := identity.ConversationKey(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req AskRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		api.Error(w, http.StatusBadRequest, "question is required")
		return
	}

	slog.Info("Agent ask request",
		"user_id", userID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"question_length", len(question),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	payload, err := h.agent.Chat(r.Context(), key, question, "chat_http")
	if err != nil {
		slog.Error("Agent ask failed", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to process question")
		return
	}
	api.JSON(w, http.StatusOK, payload)
}

// HandleInvoke handles POST /api/agent/invoke: a stateless call with a caller-chosen
// session id. Failures answer 500 with the error text.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID != "" && !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req InvokeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	payload, err := h.agent.Ask(r.Context(), req.Question, req.SessionID, req.EndSession)
	if err != nil {
		slog.Error("Agent invoke failed", "session_id", req.SessionID, "error", err)
		api.JSON(w, http.StatusInternalServerError, InvokeErrorResponse{
			Error:     err.Error(),
			TraceData: "",
			Citations: []domain.Citation{},
		})
		return
	}
	api.JSON(w, http.StatusOK, payload)
}

// HandleReset handles POST /api/agent/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	key := identity.ConversationKey(r.Context())
	if key == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	removed, err := h.agent.Reset(r.Context(), key)
	if err != nil {
		slog.Error("Agent reset failed", "conversation", key, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	api.JSON(w, http.StatusOK, ResetResponse{Message: ResetMessage, TurnsRemoved: removed})
}

// HandleHistory handles GET /api/agent/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	key := identity.ConversationKey(r.Context())
	if key == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	turns, sessionID, err := h.agent.History(r.Context(), key)
	if err != nil {
		slog.Error("Agent history failed", "conversation", key, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	api.JSON(w, http.StatusOK, HistoryResponse{SessionID: sessionID, Turns: turns})
}

// HandlePrompts handles GET /api/agent/prompts.
func (h *Handler) HandlePrompts(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, map[string][]string{"prompts": ExamplePrompts})
}
