package api

import (
	"context"
	"net/http"
)

// Health reports the state of the store and the live counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.HealthTimeout)
	defer cancel()

	status := map[string]any{
		"status":             "healthy",
		"active_connections": h.deps.Connections(),
		"active_sessions":    0,
		"storage":            h.deps.StorageName,
	}
	if h.deps.Sessions != nil {
		status["active_sessions"] = h.deps.Sessions.Len()
	}
	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["storage"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["storage"] = "ok"
		}
	}
	if h.deps.Coordinator != nil {
		st := h.deps.Coordinator.Status()
		status["active_system"] = st.ActiveSystem
	}
	checks["crm"] = "not_configured"
	if h.deps.CRM != nil {
		checks["crm"] = "configured"
	}
	status["checks"] = checks

	JSON(w, statusCode, status)
}
