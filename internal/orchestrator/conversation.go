package orchestrator

import (
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/memory"
)

// Conversation is the live state of one session: its row, its memory and
// the background analysis it is waiting on, if any.
//
// turnMu serializes turns and commits so that a session processes one
// input to completion before the next. mu guards the fields and is only
// held briefly, so Status never waits on a capability call.
type Conversation struct {
	turnMu sync.Mutex

	mu           sync.Mutex
	session      domain.Session
	memory       *memory.Memory
	pending      *Job
	modification string
	// analysisFailed is set when the last analysis failed or timed out, so
	// a retry request can restart it directly.
	analysisFailed bool
	lastActive     time.Time
}

// NewConversation wraps a session and its memory.
func NewConversation(sess *domain.Session, mem *memory.Memory) *Conversation {
	return &Conversation{session: *sess, memory: mem, lastActive: time.Now()}
}

// ID returns the session id.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Memory returns the session memory.
func (c *Conversation) Memory() *memory.Memory { return c.memory }

// Session returns a copy of the session row.
func (c *Conversation) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current conversation state.
func (c *Conversation) State() domain.ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// Pending returns the analysis job the session is waiting on, or nil.
func (c *Conversation) Pending() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Touch records activity at now.
func (c *Conversation) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

// IdleSince returns the time of the last activity.
func (c *Conversation) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Status is the externally visible state of a conversation.
type Status struct {
	SessionID          string                   `json:"session_id"`
	State              domain.ConversationState `json:"conversation_state"`
	CurrentRequirement string                   `json:"current_requirement"`
	HasPlan            bool                     `json:"has_plan"`
	PlanApproved       bool                     `json:"plan_approved"`
	MessageCount       int                      `json:"message_count"`
	Processing         bool                     `json:"processing"`
}

// Status summarizes the conversation.
func (c *Conversation) Status() Status {
	mem := c.memory.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		SessionID:          c.session.ID,
		State:              c.session.State,
		CurrentRequirement: c.session.CurrentRequirement,
		HasPlan:            mem.HasPlan,
		PlanApproved:       c.session.PlanApproved,
		MessageCount:       mem.MessageCount,
		Processing:         c.pending != nil,
	}
}

// update applies fn to the session row under the lock and returns a copy.
func (c *Conversation) update(now time.Time, fn func(s *domain.Session)) domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.session)
	c.session.UpdatedAt = now
	c.lastActive = now
	return c.session
}
