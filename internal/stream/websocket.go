package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/reqplan/internal/dispatch"
	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/push"
	"github.com/ashureev/reqplan/internal/transcript"
	"github.com/coder/websocket"
)

// Client message types.
const (
	msgPing        = "ping"
	msgUserMessage = "user_message"
	msgGetStatus   = "get_status"
)

// Submitter runs a user turn.
type Submitter interface {
	Submit(ctx context.Context, sessionID, text string) (*orchestrator.Reply, error)
}

// Sessions resolves live conversations.
type Sessions interface {
	Get(ctx context.Context, id string) (*orchestrator.Conversation, error)
}

// Limiter bounds how often a session may send messages.
type Limiter interface {
	Allow(key string) bool
}

// Recorder receives inbound transcript events.
type Recorder interface {
	Log(ev transcript.Event)
}

// Config wires a Handler. Limiter and Recorder are optional.
type Config struct {
	Hub           *Hub
	Sessions      Sessions
	Submitter     Submitter
	Limiter       Limiter
	Recorder      Recorder
	AllowedOrigin string
	Logger        *slog.Logger
}

// Handler serves /ws/{session_id}.
type Handler struct {
	hub           *Hub
	sessions      Sessions
	submitter     Submitter
	limiter       Limiter
	recorder      Recorder
	allowedOrigin string
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		hub:           cfg.Hub,
		sessions:      cfg.Sessions,
		submitter:     cfg.Submitter,
		limiter:       cfg.Limiter,
		recorder:      cfg.Recorder,
		allowedOrigin: cfg.AllowedOrigin,
		logger:        cfg.Logger,
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServeHTTP upgrades the request and reads client messages until the
// connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	h.logger.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.hub.Register(sessionID, ws)
	defer h.hub.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, sessionID)
	h.logger.Info("WebSocket session ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if !errors.Is(err, context.Canceled) {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, ws, errorEvent(sessionID, "Invalid JSON format"))
			continue
		}

		switch msg.Type {
		case msgPing:
			h.reply(ctx, ws, push.New(push.TypePong, sessionID, nil))
		case msgGetStatus:
			h.status(ctx, ws, sessionID)
		case msgUserMessage:
			h.userMessage(ctx, ws, sessionID, msg.Message)
		default:
			h.reply(ctx, ws, errorEvent(sessionID, "Unknown message type"))
		}
	}
}

// status resolves the conversation on every request; an idle eviction
// replaces the one the socket connected with.
func (h *Handler) status(ctx context.Context, ws *websocket.Conn, sessionID string) {
	conv, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		h.reply(ctx, ws, errorEvent(sessionID, "Failed to load session"))
		return
	}
	h.reply(ctx, ws, push.New(push.TypeSessionStatus, sessionID, map[string]any{
		"status": conv.Status(),
	}))
}

func (h *Handler) userMessage(ctx context.Context, ws *websocket.Conn, sessionID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		h.reply(ctx, ws, errorEvent(sessionID, "Empty message received"))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(sessionID) {
		h.reply(ctx, ws, errorEvent(sessionID, "Rate limit exceeded, please slow down"))
		return
	}
	if h.recorder != nil {
		h.recorder.Log(transcript.Event{
			SessionID:  sessionID,
			Channel:    "websocket",
			Direction:  transcript.Inbound,
			EventType:  msgUserMessage,
			ContentRaw: text,
		})
	}

	h.reply(ctx, ws, push.New(push.TypeUserMessageEcho, sessionID, map[string]any{"message": text}))

	// Outcomes, including failures, reach the client through the hub.
	reply, err := h.submitter.Submit(ctx, sessionID, text)
	if err != nil && reply == nil && !errors.Is(err, dispatch.ErrBusy) {
		h.logger.Error("Failed to submit message", "session_id", sessionID, "error", err)
		h.reply(ctx, ws, errorEvent(sessionID, "Failed to process message"))
	}
}

func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, ev push.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if err := write(ctx, ws, data); err != nil {
		h.logger.Debug("Failed to send event", "type", ev.Type, "error", err)
	}
}

func errorEvent(sessionID, message string) push.Event {
	return push.New(push.TypeError, sessionID, map[string]any{"message": message})
}
