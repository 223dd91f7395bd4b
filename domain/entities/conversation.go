package entities

import (
	"errors"
	"strings"
	"time"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Valid reports whether r is one of the known roles
func (r MessageRole) Valid() bool {
	return r == MessageRoleUser || r == MessageRoleAssistant
}

// Label returns the speaker label used when rendering history for a prompt
func (r MessageRole) Label() string {
	if r == MessageRoleUser {
		return "User"
	}
	return "Assistant"
}

// Conversation groups the messages of one or more voice sessions
type Conversation struct {
	ID        string    `json:"id" bson:"_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Message represents a single committed turn within a conversation
type Message struct {
	ID             string      `json:"id,omitempty" bson:"_id,omitempty"`
	ConversationID string      `json:"conversation_id" bson:"conversation_id"`
	Role           MessageRole `json:"role" bson:"role"`
	Content        string      `json:"content" bson:"content"`
	Timestamp      time.Time   `json:"timestamp" bson:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
// Content is trimmed; anything that is not the user role is stored as assistant.
func NewMessage(conversationID string, role MessageRole, content string) *Message {
	if role != MessageRoleUser {
		role = MessageRoleAssistant
	}
	return &Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        strings.TrimSpace(content),
		Timestamp:      time.Now(),
	}
}

// Validate validates the message data
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if !m.Role.Valid() {
		return errors.New("invalid message role")
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

// NoPriorConversation is the history placeholder used when a conversation has no messages yet
const NoPriorConversation = "No prior conversation."
