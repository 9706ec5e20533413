package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a message may carry.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Message struct {
	ID        int64     `json:"id"`
	ConvID    int64     `json:"conversation_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one branch of the conversation forest. Root conversations
// have no parent; forks point at the conversation and message they were
// copied from. Both links become nil if the parent is deleted.
type Conversation struct {
	ID                   int64     `json:"id"`
	Title                string    `json:"title"`
	ParentConversationID *int64    `json:"parent_conversation_id,omitempty"`
	BranchFromMessageID  *int64    `json:"branch_from_message_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsFork reports whether the conversation still references a parent.
func (c *Conversation) IsFork() bool {
	return c.ParentConversationID != nil
}

// SearchResult is a message matched by full-text search.
type SearchResult struct {
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
