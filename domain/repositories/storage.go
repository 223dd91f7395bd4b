package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/duplexvoice/domain/entities"
)

// ErrConversationNotFound is returned when a conversation id does not resolve
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository defines data access methods for conversations and their messages
type ConversationRepository interface {
	Create(ctx context.Context) (*entities.Conversation, error)
	// Latest returns the most recently created conversation, or nil when none exist
	Latest(ctx context.Context) (*entities.Conversation, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error)
	SaveMessage(ctx context.Context, message *entities.Message) error
	// RecentMessages returns at most limit messages ordered oldest to newest
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*entities.Message, error)
	Ping(ctx context.Context) error
}
