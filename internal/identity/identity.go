// Package identity provides session id primitives.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	// SessionHeaderName carries a session id on plain HTTP requests.
	SessionHeaderName = "X-Session-ID"
	// SessionParam is the chi URL parameter holding a session id.
	SessionParam = "session_id"
)

// ErrInvalidSessionID is returned for ids outside the accepted alphabet.
var ErrInvalidSessionID = errors.New("invalid session id")

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns "session_YYYYmmdd_HHMMSS_<8 hex>" for now.
func NewSessionID(now time.Time) string {
	tag := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("session_%s_%s", now.UTC().Format("20060102_150405"), tag)
}

// Validate reports whether id can name a session.
func Validate(id string) error {
	if id == "." || id == ".." || !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// WithSessionID returns ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session id from ctx.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromRequest reads the session id from the URL parameter, the
// session header or the session_id query value, in that order.
func SessionIDFromRequest(r *http.Request) string {
	sid := chi.URLParam(r, SessionParam)
	if sid == "" {
		sid = r.Header.Get(SessionHeaderName)
	}
	if sid == "" {
		sid = r.URL.Query().Get(SessionParam)
	}
	return strings.TrimSpace(sid)
}

// Middleware rejects requests with a malformed session id and stores a
// valid one in the request context. Requests without one pass through.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := SessionIDFromRequest(r)
		if sid == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := Validate(sid); err != nil {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sid)))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
