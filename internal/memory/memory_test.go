package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "history"), filepath.Join(dir, "plans"))
	require.NoError(t, err)
	return st
}

func TestReloadReproducesMessageSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newFileStore(t)

	m, err := Open(ctx, "session_replay", st, quiet)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 30; i++ {
		content := fmt.Sprintf("message %d", i)
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAgent
		}
		m.Append(ctx, role, content, "text", map[string]any{"i": i})
		want = append(want, content)
	}
	m.Append(ctx, domain.RoleUser, "message 0", "text", nil)
	want = append(want, "message 0")
	m.ExtractRequirement(ctx, "Track milestones", map[string]any{"source": "user"})

	reloaded, err := Open(ctx, "session_replay", st, quiet)
	require.NoError(t, err)

	got := reloaded.Messages()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i].Content)
	}
	require.Len(t, reloaded.Requirements(), 1)
	assert.Equal(t, "Track milestones", reloaded.Requirements()[0].Description)
}

func TestContextRendersLastMessagesOldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := Open(ctx, "session_ctx", newFileStore(t), quiet)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		m.Append(ctx, domain.RoleUser, fmt.Sprintf("u%d", i), "text", nil)
	}
	m.Append(ctx, domain.RoleAgent, "reply", "clarification", nil)

	lines := strings.Split(m.Context(DefaultContextMessages), "\n")
	require.Len(t, lines, 20)
	assert.Equal(t, "[USER]: u6", lines[0])
	assert.Equal(t, "[AGENT]: reply", lines[19])

	assert.Equal(t, "[USER]: u24\n[AGENT]: reply", m.Context(2))
}

type failingStore struct {
	store.ConversationStore
}

func (failingStore) LoadConversation(context.Context, string) (*domain.ConversationRecord, error) {
	return nil, nil
}

func (failingStore) LoadPlan(context.Context, string) (*domain.PlanRecord, error) {
	return nil, nil
}

func (failingStore) SaveConversation(context.Context, *domain.ConversationRecord) error {
	return errors.New("disk full")
}

func (failingStore) SavePlan(context.Context, *domain.PlanRecord) error {
	return errors.New("disk full")
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := Open(ctx, "session_fail", failingStore{}, quiet)
	require.NoError(t, err)

	m.Append(ctx, domain.RoleUser, "still here", "text", nil)
	m.SetPlan(ctx, &domain.ImplementationPlan{KeyRisks: []string{"x"}})

	assert.Equal(t, "[USER]: still here", m.Context(5))
	assert.NotNil(t, m.Plan())
	status := m.Status()
	assert.Equal(t, 2, status.WriteFailures)
	assert.Equal(t, 1, status.MessageCount)
}

// flakyStore fails writes while down is set.
type flakyStore struct {
	*store.FileStore
	down atomic.Bool
}

func (f *flakyStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	if f.down.Load() {
		return errors.New("disk full")
	}
	return f.FileStore.SaveConversation(ctx, rec)
}

func TestUnsavedUntilNextSuccessfulWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := &flakyStore{FileStore: newFileStore(t)}
	m, err := Open(ctx, "session_flaky", st, quiet)
	require.NoError(t, err)
	assert.False(t, m.Unsaved())

	st.down.Store(true)
	m.Append(ctx, domain.RoleUser, "lost on reload", "text", nil)
	assert.True(t, m.Unsaved())

	st.down.Store(false)
	m.Append(ctx, domain.RoleAgent, "rewrites the whole log", "text", nil)
	assert.False(t, m.Unsaved())
	assert.Equal(t, 1, m.Status().WriteFailures)

	reloaded, err := Open(ctx, "session_flaky", st, quiet)
	require.NoError(t, err)
	assert.Len(t, reloaded.Messages(), 2)
}

func TestPlanPersistsAcrossReload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newFileStore(t)
	m, err := Open(ctx, "session_plan", st, quiet)
	require.NoError(t, err)

	m.ExtractRequirement(ctx, "req", nil)
	m.SetPlan(ctx, &domain.ImplementationPlan{Tasks: []domain.PlanTask{{Title: "Create object"}}})
	require.NoError(t, m.SaveApprovedPlan(ctx, "req", domain.StatePlanReview))

	reloaded, err := Open(ctx, "session_plan", st, quiet)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Plan())
	assert.Equal(t, "Create object", reloaded.Plan().Tasks[0].Title)
	assert.Equal(t, 1, reloaded.PlanRecord().RequirementsCount)

	ids, err := AllSessions(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []string{"session_plan"}, ids)
}

func TestClearRewritesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newFileStore(t)
	m, err := Open(ctx, "session_clear", st, quiet)
	require.NoError(t, err)
	m.Append(ctx, domain.RoleUser, "hello", "text", nil)
	m.Clear(ctx)

	reloaded, err := Open(ctx, "session_clear", st, quiet)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Messages())
}
