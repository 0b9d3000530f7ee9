package models

import "time"

// Message roles.
const (
	RoleSystemMessage    = "system"
	RoleUserMessage      = "user"
	RoleAssistantMessage = "assistant"
)

// Conversation statuses.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Conversation groups messages exchanged with the agent.
type Conversation struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Message is one conversation turn. Summarized messages are folded into a
// summary and never enter a prompt window again.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	Summarized       bool      `json:"summarized"`
	CreatedAt        time.Time `json:"created_at"`
}
