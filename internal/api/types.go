package api

import (
	"time"

	"github.com/satriahrh/duplexvoice/domain/entities"
)

// TokenRequest represents the request payload for a voice client token
type TokenRequest struct {
	ClientID string `json:"client_id"`
}

// TokenResponse represents the response payload for a voice client token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
}

// ConversationsResponse lists recent conversations, newest first
type ConversationsResponse struct {
	Conversations []*entities.Conversation `json:"conversations"`
}

// HistoryResponse lists the messages of a conversation, oldest first
type HistoryResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []*entities.Message `json:"messages"`
}

// HealthResponse reports the status of the server and its backends
type HealthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Backends map[string]string `json:"backends,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
