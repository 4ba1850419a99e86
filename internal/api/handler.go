// Package api provides HTTP handlers for the reqplan API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/coordinator"
	"github.com/ashureev/reqplan/internal/crm"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Sessions is the session registry as seen by the API.
type Sessions interface {
	Create(ctx context.Context) (*orchestrator.Conversation, error)
	Lookup(ctx context.Context, id string) (*orchestrator.Conversation, error)
	IDs(ctx context.Context) ([]string, error)
	Len() int
}

// Submitter runs a user turn.
type Submitter interface {
	Submit(ctx context.Context, sessionID, text string) (*orchestrator.Reply, error)
}

// Coordinator exposes backend selection and error statistics.
type Coordinator interface {
	Status() coordinator.Status
	SwitchSystem(target string) bool
	ValidateConfiguration() []string
	Errors() *apperror.Recorder
}

// CRM is the read-only part of the connector served over HTTP.
type CRM interface {
	ListObjects(ctx context.Context, customOnly bool) ([]crm.ObjectInfo, error)
	SearchObjects(ctx context.Context, term string) ([]crm.ObjectInfo, error)
	DescribeObject(ctx context.Context, name string) (*crm.Schema, error)
	OrgLimits(ctx context.Context) (map[string]any, error)
	Query(ctx context.Context, soql string, limit int) ([]map[string]any, error)
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handlers. CRM and ChatLimiter are
// optional.
type Deps struct {
	Store       Pinger
	StorageName string
	Sessions    Sessions
	Submitter   Submitter
	Coordinator Coordinator
	CRM         CRM
	// Connections reports the number of open push connections.
	Connections   func() int
	ChatLimiter   func(http.Handler) http.Handler
	HealthTimeout time.Duration
	Logger        *slog.Logger
}

// Handler serves the /api routes.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.HealthTimeout <= 0 {
		d.HealthTimeout = 5 * time.Second
	}
	if d.Connections == nil {
		d.Connections = func() int { return 0 }
	}
	if d.ChatLimiter == nil {
		d.ChatLimiter = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{deps: d, logger: d.Logger}
}

// RegisterRoutes registers every /api route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		h.registerSessions(r)
		h.registerCoordinator(r)
		h.registerCRM(r)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// AppError writes a classified error with its suggestion.
func AppError(w http.ResponseWriter, err error) {
	ae := apperror.Classify(err)
	JSON(w, statusFor(ae), map[string]any{
		"success":     false,
		"error":       ae.Message,
		"error_kind":  string(ae.Kind),
		"suggestion":  ae.Suggestion,
		"recoverable": ae.Recoverable(),
	})
}

func statusFor(ae *apperror.Error) int {
	switch ae.Kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindRateLimit:
		return http.StatusTooManyRequests
	case apperror.KindTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindAuthentication, apperror.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
