package identity

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionIDFormat(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewSessionID(now)
	assert.Regexp(t, regexp.MustCompile(`^session_20260304_050607_[0-9a-f]{8}$`), id)
	assert.NoError(t, Validate(id))
	assert.NotEqual(t, id, NewSessionID(now))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", ".", "..", "../etc", "a/b", "has space"} {
		assert.ErrorIs(t, Validate(bad), ErrInvalidSessionID, bad)
	}
	assert.NoError(t, Validate("session_1"))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	r := chi.NewRouter()
	r.With(Middleware).Get("/s/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		seen = SessionIDFromContext(r.Context())
	})
	r.With(Middleware).Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		seen = SessionIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s/session_abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session_abc", seen)

	req := httptest.NewRequest(http.MethodGet, "/plain", nil)
	req.Header.Set(SessionHeaderName, "bad id!")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
