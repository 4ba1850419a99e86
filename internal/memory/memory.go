// Package memory implements durable, append-only session memory.
//
// Every mutation is written through to a store.ConversationStore before the
// call returns. A failed write is logged and swallowed: the in-memory log
// stays authoritative for the rest of the process lifetime, so a storage
// outage can lose everything written after it began. Status reports the
// number of failed writes so operators can see when that risk is live.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/store"
)

// DefaultContextMessages is the number of messages rendered by Context.
const DefaultContextMessages = 20

// Status summarizes a session's memory.
type Status struct {
	SessionID         string    `json:"session_id"`
	MessageCount      int       `json:"message_count"`
	RequirementsCount int       `json:"requirements_count"`
	HasPlan           bool      `json:"has_plan"`
	LastUpdated       time.Time `json:"last_updated"`
	WriteFailures     int       `json:"write_failures"`
}

// Memory is the conversation log of one session.
type Memory struct {
	mu            sync.RWMutex
	sessionID     string
	messages      []domain.ConversationMessage
	requirements  []domain.RequirementDraft
	plan          *domain.PlanRecord
	lastUpdated   time.Time
	writeFailures int
	logUnsaved    bool
	planUnsaved   bool

	store  store.ConversationStore
	logger *slog.Logger
	now    func() time.Time
}

// Open returns the memory for sessionID, replaying any stored log and plan.
func Open(ctx context.Context, sessionID string, st store.ConversationStore, logger *slog.Logger) (*Memory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		sessionID: sessionID,
		store:     st,
		logger:    logger.With("session_id", sessionID),
		now:       func() time.Time { return time.Now().UTC() },
	}

	rec, err := st.LoadConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}
	if rec != nil {
		m.messages = rec.Messages
		m.requirements = rec.RequirementsExtracted
		m.lastUpdated = rec.LastUpdated
		m.logger.Info("Replayed conversation", "messages", len(m.messages), "requirements", len(m.requirements))
	}

	plan, err := st.LoadPlan(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", sessionID, err)
	}
	m.plan = plan

	return m, nil
}

// SessionID returns the owning session id.
func (m *Memory) SessionID() string { return m.sessionID }

// Append adds a message to the log and writes the log through.
func (m *Memory) Append(ctx context.Context, role domain.Role, content, messageType string, metadata map[string]any) domain.ConversationMessage {
	if metadata == nil {
		metadata = map[string]any{}
	}
	msg := domain.ConversationMessage{
		Timestamp:   m.now(),
		Role:        role,
		Content:     content,
		MessageType: messageType,
		Metadata:    maps.Clone(metadata),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.lastUpdated = msg.Timestamp
	m.persistLocked(ctx)
	return msg
}

// ExtractRequirement records a requirement fragment and writes the log through.
func (m *Memory) ExtractRequirement(ctx context.Context, description string, details map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requirements = append(m.requirements, domain.RequirementDraft{
		Description: description,
		Details:     maps.Clone(details),
		ExtractedAt: m.now(),
	})
	m.lastUpdated = m.now()
	m.persistLocked(ctx)
}

// Context renders the last n messages as "[ROLE]: content" lines, oldest first.
func (m *Memory) Context(n int) string {
	if n <= 0 {
		n = DefaultContextMessages
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(msg.Role)))
		b.WriteString("]: ")
		b.WriteString(msg.Content)
	}
	return b.String()
}

// Messages returns a copy of the log.
func (m *Memory) Messages() []domain.ConversationMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ConversationMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Requirements returns a copy of the extracted requirements.
func (m *Memory) Requirements() []domain.RequirementDraft {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RequirementDraft, len(m.requirements))
	copy(out, m.requirements)
	return out
}

// SetPlan replaces the current plan and writes the plan record.
func (m *Memory) SetPlan(ctx context.Context, plan *domain.ImplementationPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.plan = &domain.PlanRecord{
		SessionID:         m.sessionID,
		CreatedAt:         m.now(),
		Plan:              plan,
		RequirementsCount: len(m.requirements),
	}
	m.planUnsaved = false
	if err := m.store.SavePlan(ctx, m.plan); err != nil {
		m.writeFailures++
		m.planUnsaved = true
		m.logger.Error("Failed to persist plan, keeping in memory", "error", err)
	}
}

// Plan returns the current plan or nil.
func (m *Memory) Plan() *domain.ImplementationPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.plan == nil {
		return nil
	}
	return m.plan.Plan
}

// PlanRecord returns the current plan record or nil.
func (m *Memory) PlanRecord() *domain.PlanRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.plan == nil {
		return nil
	}
	rec := *m.plan
	return &rec
}

// SaveApprovedPlan persists the current plan as approved.
func (m *Memory) SaveApprovedPlan(ctx context.Context, requirement string, state domain.ConversationState) error {
	m.mu.RLock()
	var plan *domain.ImplementationPlan
	if m.plan != nil {
		plan = m.plan.Plan
	}
	m.mu.RUnlock()

	if plan == nil {
		return fmt.Errorf("session %s has no plan to approve", m.sessionID)
	}

	rec := &domain.ApprovedPlanRecord{
		SessionID:          m.sessionID,
		Requirement:        requirement,
		ImplementationPlan: plan,
		ApprovedAt:         m.now(),
		ConversationState:  state,
	}
	if err := m.store.SaveApprovedPlan(ctx, rec); err != nil {
		m.mu.Lock()
		m.writeFailures++
		m.mu.Unlock()
		return fmt.Errorf("save approved plan: %w", err)
	}
	return nil
}

// Status reports counts and the last update time.
func (m *Memory) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		SessionID:         m.sessionID,
		MessageCount:      len(m.messages),
		RequirementsCount: len(m.requirements),
		HasPlan:           m.plan != nil,
		LastUpdated:       m.lastUpdated,
		WriteFailures:     m.writeFailures,
	}
}

// Unsaved reports whether the latest write of the log or the plan failed.
// Such a memory is the only current copy and must stay loaded.
func (m *Memory) Unsaved() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logUnsaved || m.planUnsaved
}

// Clear empties the log and requirements and rewrites the stored record.
// It is an operator action; conversation handling never calls it.
func (m *Memory) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.requirements = nil
	m.lastUpdated = m.now()
	m.persistLocked(ctx)
	m.logger.Info("Conversation memory cleared")
}

func (m *Memory) persistLocked(ctx context.Context) {
	rec := &domain.ConversationRecord{
		SessionID:             m.sessionID,
		LastUpdated:           m.lastUpdated,
		Messages:              m.messages,
		RequirementsExtracted: m.requirements,
	}
	if rec.Messages == nil {
		rec.Messages = []domain.ConversationMessage{}
	}
	if rec.RequirementsExtracted == nil {
		rec.RequirementsExtracted = []domain.RequirementDraft{}
	}
	m.logUnsaved = false
	if err := m.store.SaveConversation(ctx, rec); err != nil {
		m.writeFailures++
		m.logUnsaved = true
		m.logger.Error("Failed to persist conversation, keeping in memory", "error", err)
	}
}

// AllSessions returns every stored session id, newest first.
func AllSessions(ctx context.Context, st store.ConversationStore) ([]string, error) {
	ids, err := st.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}
