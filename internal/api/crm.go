package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/reqplan/internal/crm"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) registerCRM(r chi.Router) {
	r.Route("/crm", func(r chi.Router) {
		r.Use(h.requireCRM)
		r.Get("/objects", h.ListObjects)
		r.Get("/objects/{name}", h.DescribeObject)
		r.Get("/limits", h.OrgLimits)
		r.Post("/query", h.Query)
	})
}

func (h *Handler) requireCRM(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.CRM == nil {
			Error(w, http.StatusServiceUnavailable, "CRM connector not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) crmError(w http.ResponseWriter, op string, err error) {
	if crm.IsNotFound(err) {
		Error(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.Warn("CRM request failed", "operation", op, "error", err)
	AppError(w, err)
}

// ListObjects lists org objects, optionally only custom ones or those
// matching q.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	var (
		objects []crm.ObjectInfo
		err     error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		objects, err = h.deps.CRM.SearchObjects(r.Context(), q)
	} else {
		customOnly, _ := strconv.ParseBool(r.URL.Query().Get("custom_only"))
		objects, err = h.deps.CRM.ListObjects(r.Context(), customOnly)
	}
	if err != nil {
		h.crmError(w, "list_objects", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"objects": objects, "count": len(objects)})
}

// DescribeObject returns the normalized schema of one object.
func (h *Handler) DescribeObject(w http.ResponseWriter, r *http.Request) {
	schema, err := h.deps.CRM.DescribeObject(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.crmError(w, "describe", err)
		return
	}
	JSON(w, http.StatusOK, schema)
}

// OrgLimits returns the raw org limits.
func (h *Handler) OrgLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.deps.CRM.OrgLimits(r.Context())
	if err != nil {
		h.crmError(w, "limits", err)
		return
	}
	JSON(w, http.StatusOK, limits)
}

// Query runs a SOQL query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SOQL  string `json:"soql"`
		Limit int    `json:"limit"`
	}
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SOQL) == "" {
		Error(w, http.StatusBadRequest, "soql is required")
		return
	}
	records, err := h.deps.CRM.Query(r.Context(), req.SOQL, req.Limit)
	if err != nil {
		h.crmError(w, "query", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"records": records, "total_size": len(records)})
}
