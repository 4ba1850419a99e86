package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/identity"
	"golang.org/x/time/rate"
)

// SessionLimiter keeps one token bucket per session id.
type SessionLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewSessionLimiter allows rps sustained requests per session with the
// given burst.
func NewSessionLimiter(rps float64, burst int) *SessionLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SessionLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow reports whether key may send now.
func (l *SessionLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Prune drops buckets unused for longer than idle and returns how many
// were removed.
func (l *SessionLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// RateLimit rejects requests over the per-session budget with 429. The
// session id is taken from the request context, then the request itself,
// then the client IP.
func RateLimit(l *SessionLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity.SessionIDFromContext(r.Context())
			if key == "" {
				key = identity.SessionIDFromRequest(r)
			}
			if key == "" {
				key = "ip:" + identity.IPFromRequest(r)
			}
			if !l.Allow(key) {
				slog.Warn("Chat rate limit exceeded", "key", key)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded, please slow down"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
