// Package domain holds the core data types shared across the planner.
package domain

import (
	"fmt"
	"time"
)

// ConversationState is the orchestration state a session is in.
type ConversationState string

// Conversation states, in their forward order.
const (
	StateInitial               ConversationState = "initial"
	StateClarifying            ConversationState = "clarifying"
	StateRequirementsValidated ConversationState = "requirements_validated"
	StateProcessing            ConversationState = "processing"
	StatePlanReview            ConversationState = "plan_review"
	StatePlanRefinement        ConversationState = "plan_refinement"
	StateCompleted             ConversationState = "completed"
)

var allStates = []ConversationState{
	StateInitial,
	StateClarifying,
	StateRequirementsValidated,
	StateProcessing,
	StatePlanReview,
	StatePlanRefinement,
	StateCompleted,
}

// Valid reports whether s is a known state.
func (s ConversationState) Valid() bool {
	for _, st := range allStates {
		if st == s {
			return true
		}
	}
	return false
}

// ParseState converts a stored state name back into a ConversationState.
func ParseState(v string) (ConversationState, error) {
	s := ConversationState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown conversation state %q", v)
	}
	return s, nil
}

// Session is one user's continuous conversation.
type Session struct {
	ID                   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	State                ConversationState
	CurrentRequirement   string
	ClarifiedRequirement string
	PlanApproved         bool
}

// NewSession returns a session in the initial state.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateInitial,
	}
}

// FullRequirement joins the original and clarified requirement text.
func (s *Session) FullRequirement() string {
	if s.ClarifiedRequirement != "" {
		return s.ClarifiedRequirement
	}
	return s.CurrentRequirement
}
