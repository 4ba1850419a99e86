package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/dispatch"
	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/session"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) registerSessions(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Use(identity.Middleware)
			r.Get("/", h.GetSession)
			r.Get("/history", h.History)
			r.Get("/plan", h.Plan)
			r.Delete("/memory", h.ClearMemory)
			r.With(h.deps.ChatLimiter).Post("/messages", h.PostMessage)
		})
	})
}

// ListSessions returns every stored session id, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.deps.Sessions.IDs(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": ids, "count": len(ids)})
}

// CreateSession starts a session with a generated id.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	conv, err := h.deps.Sessions.Create(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"session_id": conv.ID()})
}

// conversation resolves the session of the request or writes the error.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*orchestrator.Conversation, bool) {
	id := identity.SessionIDFromContext(r.Context())
	conv, err := h.deps.Sessions.Lookup(r.Context(), id)
	switch {
	case err == nil:
		return conv, true
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, identity.ErrInvalidSessionID):
		Error(w, http.StatusBadRequest, "invalid session id")
	default:
		h.logger.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
	}
	return nil, false
}

// GetSession returns the conversation status.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv.Status())
}

// History returns the message log.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	msgs := conv.Memory().Messages()
	JSON(w, http.StatusOK, map[string]any{
		"session_id": conv.ID(),
		"messages":   msgs,
		"count":      len(msgs),
	})
}

// Plan returns the current plan record.
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	rec := conv.Memory().PlanRecord()
	if rec == nil {
		Error(w, http.StatusNotFound, "no implementation plan for this session")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// ClearMemory empties the message log and requirement drafts.
func (h *Handler) ClearMemory(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	conv.Memory().Clear(r.Context())
	h.logger.Info("Session memory cleared", "session_id", conv.ID())
	JSON(w, http.StatusOK, map[string]any{"success": true, "session_id": conv.ID()})
}

type messageRequest struct {
	Message string `json:"message"`
}

// PostMessage runs one user turn. A turn that starts an analysis answers
// 202; its outcome is pushed to the session's stream connections.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := identity.SessionIDFromContext(r.Context())

	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.deps.Submitter.Submit(r.Context(), id, text)
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		JSON(w, http.StatusConflict, reply)
	case errors.Is(err, identity.ErrInvalidSessionID):
		Error(w, http.StatusBadRequest, "invalid session id")
	case err != nil && reply == nil:
		h.logger.Error("Failed to submit message", "session_id", id, "error", err)
		AppError(w, err)
	case err != nil:
		ae := reply.Err
		if ae == nil {
			ae = apperror.Classify(err)
		}
		JSON(w, statusFor(ae), map[string]any{
			"success":            false,
			"message":            reply.Message,
			"conversation_state": reply.State,
			"error":              ae.Message,
			"error_kind":         ae.Kind,
			"suggestion":         ae.Suggestion,
		})
	case reply.Job != nil:
		JSON(w, http.StatusAccepted, reply)
	default:
		JSON(w, http.StatusOK, reply)
	}
}
