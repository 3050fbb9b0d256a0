package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn in a topic's conversation. Messages are ordered by
// sequence_number and never mutated in place; regeneration deletes and
// re-creates them.
type Message struct {
	ID               uuid.UUID `json:"id"`
	TopicID          uuid.UUID `json:"topic_id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	SequenceNumber   int       `json:"sequence_number"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewMessage builds an unsaved message with a fresh id.
func NewMessage(topicID uuid.UUID, role Role, content string, sequenceNumber int) *Message {
	return &Message{
		ID:             uuid.New(),
		TopicID:        topicID,
		Role:           role,
		Content:        content,
		SequenceNumber: sequenceNumber,
		CreatedAt:      time.Now().UTC(),
	}
}
