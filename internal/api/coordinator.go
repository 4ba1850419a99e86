package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/reqplan/internal/coordinator"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) registerCoordinator(r chi.Router) {
	r.Get("/coordinator", h.CoordinatorStatus)
	r.Post("/coordinator/switch", h.SwitchSystem)
	r.Get("/errors", h.ErrorStats)
	r.Delete("/errors", h.ClearErrors)
}

type coordinatorStatus struct {
	coordinator.Status
	Problems []string `json:"configuration_problems"`
}

// CoordinatorStatus reports the active backend and configuration problems.
func (h *Handler) CoordinatorStatus(w http.ResponseWriter, _ *http.Request) {
	problems := h.deps.Coordinator.ValidateConfiguration()
	if problems == nil {
		problems = []string{}
	}
	JSON(w, http.StatusOK, coordinatorStatus{
		Status:   h.deps.Coordinator.Status(),
		Problems: problems,
	})
}

// SwitchSystem changes the active backend.
func (h *Handler) SwitchSystem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if !h.deps.Coordinator.SwitchSystem(target) {
		Error(w, http.StatusConflict, "backend "+target+" is not available")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"active_system": h.deps.Coordinator.Status().ActiveSystem,
	})
}

// ErrorStats returns counts and the most recent errors.
func (h *Handler) ErrorStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.deps.Coordinator.Errors().Stats())
}

// ClearErrors resets the error history.
func (h *Handler) ClearErrors(w http.ResponseWriter, _ *http.Request) {
	h.deps.Coordinator.Errors().Clear()
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}
