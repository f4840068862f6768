package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/policy-assistant/internal/identity"
	"github.com/coder/websocket"
)

// HandleWebSocket upgrades GET /ws/agent to a chat socket. Messages on one
// connection are handled in order; a question blocks the socket until answered.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	key := identity.ConversationKey(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("Agent socket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	h.chatLoop(ctx, ws, userID, key)
	slog.Info("Agent socket closed", "user_id", userID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.origin == "*" {
		return true
	}
	if origin == h.origin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.origin)
	return false
}

func (h *Handler) chatLoop(ctx context.Context, ws *websocket.Conn, userID, key string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypePong})
		case MessageTypeAsk:
			question := strings.TrimSpace(msg.Content)
			if question == "" {
				h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "question is required"})
				continue
			}
			if !h.rateLimiter.Allow(userID) {
				h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "rate limit exceeded"})
				continue
			}
			payload, err := h.agent.Chat(ctx, key, question, "chat_ws")
			if err != nil {
				slog.Error("Agent socket question failed", "user_id", userID, "error", err)
				h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "failed to process question"})
				continue
			}
			h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeAnswer, Payload: &payload})
		case MessageTypeReset:
			if _, err := h.agent.Reset(ctx, key); err != nil {
				slog.Error("Agent socket reset failed", "user_id", userID, "error", err)
				h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "failed to reset session"})
				continue
			}
			h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeReset, Message: ResetMessage})
		default:
			h.sendSocket(ctx, ws, ServerMessage{Type: MessageTypeError, Error: "unknown message type"})
		}
	}
}

func (h *Handler) sendSocket(ctx context.Context, ws *websocket.Conn, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal socket message", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write socket message", "type", msg.Type, "error", err)
	}
}
