package domain

import "time"

// Role identifies who produced a conversation message.
type Role string

// Message roles.
const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ConversationMessage is one immutable entry of a session log.
type ConversationMessage struct {
	Timestamp   time.Time      `json:"timestamp"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata"`
}

// RequirementDraft is a requirement fragment extracted from the conversation.
type RequirementDraft struct {
	Description string         `json:"description"`
	Details     map[string]any `json:"details"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// ConversationRecord is the durable form of a session log.
type ConversationRecord struct {
	SessionID             string                `json:"session_id"`
	LastUpdated           time.Time             `json:"last_updated"`
	Messages              []ConversationMessage `json:"messages"`
	RequirementsExtracted []RequirementDraft    `json:"requirements_extracted"`
}
