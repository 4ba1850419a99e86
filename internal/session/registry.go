// Package session owns the live conversations of the process. It is the
// explicit session store passed to the coordinator, the dispatcher and the
// transports.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/memory"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/store"
)

// ErrNotFound is returned by Lookup for unknown sessions.
var ErrNotFound = errors.New("session not found")

// Registry maps session ids to live conversations, loading them from the
// repository on first use.
type Registry struct {
	mu      sync.Mutex
	live    map[string]*orchestrator.Conversation
	repo    store.Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry returns an empty registry backed by repo.
func NewRegistry(repo store.Repository, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		live:    make(map[string]*orchestrator.Conversation),
		repo:    repo,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create starts a new session with a generated id.
func (r *Registry) Create(ctx context.Context) (*orchestrator.Conversation, error) {
	return r.Get(ctx, identity.NewSessionID(r.now()))
}

// Get returns the live conversation for id, loading it from the repository
// or creating it on first interaction.
func (r *Registry) Get(ctx context.Context, id string) (*orchestrator.Conversation, error) {
	return r.get(ctx, id, true)
}

// Lookup is Get without creation: unknown ids yield ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, id string) (*orchestrator.Conversation, error) {
	return r.get(ctx, id, false)
}

func (r *Registry) get(ctx context.Context, id string, create bool) (*orchestrator.Conversation, error) {
	if err := identity.Validate(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if conv, ok := r.live[id]; ok {
		conv.Touch(time.Now())
		return conv, nil
	}

	sess, err := r.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	mem, err := memory.Open(ctx, id, r.repo, r.logger)
	if err != nil {
		return nil, err
	}

	switch {
	case sess != nil:
		// A session stored mid-analysis lost its job with the process that
		// ran it; the next input starts a fresh run.
		if sess.State == domain.StateProcessing {
			r.logger.Warn("Session was processing at load, resetting", "session_id", id)
			sess.State = domain.StateRequirementsValidated
		}
	case create || mem.Status().MessageCount > 0:
		sess = domain.NewSession(id, r.now())
		if err := r.repo.UpsertSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("create session %s: %w", id, err)
		}
		r.logger.Info("Session created", "session_id", id)
	default:
		return nil, ErrNotFound
	}

	conv := orchestrator.NewConversation(sess, mem)
	r.live[id] = conv
	r.metrics.LiveSessions(len(r.live))
	return conv, nil
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// IDs returns every stored session id, newest first.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	return memory.AllSessions(ctx, r.repo)
}

// Evict drops id from the live set. Durable data is untouched.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
	r.metrics.LiveSessions(len(r.live))
}

// Sweep evicts conversations idle for longer than ttl that are not waiting
// on an analysis, and returns their ids. Conversations whose memory could
// not be written stay loaded since the store holds a stale copy.
func (r *Registry) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, conv := range r.live {
		if conv.Pending() != nil || conv.IdleSince().After(cutoff) {
			continue
		}
		if conv.Memory().Unsaved() {
			r.logger.Warn("Keeping idle session with unsaved memory", "session_id", id)
			continue
		}
		delete(r.live, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		r.metrics.LiveSessions(len(r.live))
	}
	return evicted
}
