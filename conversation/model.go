// Package conversation implements the conversation engine: an append-only
// persisted transcript per conversation, a session wrapper that binds a
// conversation context, a tool-calling loop, and structured-reply helpers.
package conversation

import (
	"time"

	"github.com/brianfields/promptflow/internal/database"
)

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusClosed   = "closed"
)

// Conversation is a transcript thread. Type is immutable after creation;
// MessageCount always equals the number of child messages.
type Conversation struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID *int64 `gorm:"index" json:"user_id"`

	ConversationType string  `gorm:"size:100;not null;index" json:"conversation_type"`
	Title            *string `gorm:"size:500" json:"title"`
	Status           string  `gorm:"size:50;not null;default:active;index" json:"status"`

	Metadata database.JSON `gorm:"type:text" json:"metadata"`

	MessageCount int `gorm:"not null;default:0" json:"message_count"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName implements the GORM naming convention hook.
func (Conversation) TableName() string { return "conversations" }

// MetadataMap decodes the metadata column.
func (c *Conversation) MetadataMap() map[string]any {
	out := map[string]any{}
	_ = c.Metadata.UnmarshalInto(&out)
	return out
}

// Message is one turn of a conversation. Ordinals are dense (1..N) and
// assigned under the parent conversation's transaction; role is immutable.
type Message struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string `gorm:"size:36;not null;index" json:"conversation_id"`

	Role    string `gorm:"size:20;not null" json:"role"`
	Content string `gorm:"type:text;not null" json:"content"`

	MessageOrder int `gorm:"not null;index" json:"message_order"`

	LLMRequestID *string `gorm:"size:36;index" json:"llm_request_id"`

	TokensUsed   *int     `json:"tokens_used"`
	CostEstimate *float64 `json:"cost_estimate"`

	Metadata database.JSON `gorm:"type:text" json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName implements the GORM naming convention hook.
func (Message) TableName() string { return "conversation_messages" }
