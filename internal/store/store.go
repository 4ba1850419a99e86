// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/reqplan/internal/domain"
)

// Repository persists sessions and their conversation artifacts.
// Lookups of missing rows return (nil, nil).
type Repository interface {
	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpsertSession creates or updates a session row.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	ConversationStore
}

// ConversationStore is the durable storage behind session memory.
type ConversationStore interface {
	// LoadConversation returns the stored log for a session.
	LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationRecord, error)

	// SaveConversation replaces the stored log for a session.
	SaveConversation(ctx context.Context, record *domain.ConversationRecord) error

	// ListConversations returns the ids of all stored logs, newest id first.
	ListConversations(ctx context.Context) ([]string, error)

	// LoadPlan returns the current plan record for a session.
	LoadPlan(ctx context.Context, sessionID string) (*domain.PlanRecord, error)

	// SavePlan replaces the current plan record for a session.
	SavePlan(ctx context.Context, record *domain.PlanRecord) error

	// SaveApprovedPlan appends an approved plan record.
	SaveApprovedPlan(ctx context.Context, record *domain.ApprovedPlanRecord) error
}
