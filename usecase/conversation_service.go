package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
)

// latestLookupTimeout bounds the shared lookup, which outlives any single caller
const latestLookupTimeout = 10 * time.Second

// ConversationService is the persistence gateway used by duplex sessions and the HTTP API
type ConversationService struct {
	repo   repositories.ConversationRepository
	logger *zap.Logger
	latest singleflight.Group
}

// NewConversationService creates a new conversation service
func NewConversationService(repo repositories.ConversationRepository, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		repo:   repo,
		logger: logger,
	}
}

// LatestConversationID returns the most recent conversation, creating the first one on demand.
// Concurrent callers share a single lookup so two sessions never create two conversations.
func (s *ConversationService) LatestConversationID(ctx context.Context) (string, error) {
	result := s.latest.DoChan("latest", func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), latestLookupTimeout)
		defer cancel()

		conversation, err := s.repo.Latest(lookupCtx)
		if err != nil {
			return "", fmt.Errorf("failed to get latest conversation: %w", err)
		}
		if conversation != nil {
			return conversation.ID, nil
		}

		conversation, err = s.repo.Create(lookupCtx)
		if err != nil {
			return "", fmt.Errorf("failed to create conversation: %w", err)
		}
		s.logger.Info("Created conversation", zap.String("conversation_id", conversation.ID))
		return conversation.ID, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// NewConversation starts a fresh conversation that later sessions will resume
func (s *ConversationService) NewConversation(ctx context.Context) (*entities.Conversation, error) {
	conversation, err := s.repo.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("Created conversation", zap.String("conversation_id", conversation.ID))
	return conversation, nil
}

// ListConversations returns the most recent conversations, newest first
func (s *ConversationService) ListConversations(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	return s.repo.ListRecent(ctx, limit)
}

// History returns the last limit messages of a conversation, oldest first
func (s *ConversationService) History(ctx context.Context, conversationID string, limit int) ([]*entities.Message, error) {
	return s.repo.RecentMessages(ctx, conversationID, limit)
}

// RecentHistory renders the last limit messages as prompt context
func (s *ConversationService) RecentHistory(ctx context.Context, conversationID string, limit int) (string, error) {
	messages, err := s.repo.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	return FormatHistory(messages), nil
}

// FormatHistory renders messages as "Role: text" lines under a heading
func FormatHistory(messages []*entities.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(msg.Role.Label())
		b.WriteString(": ")
		b.WriteString(content)
	}
	if b.Len() == 0 {
		return entities.NoPriorConversation
	}
	return "Previous conversation:" + b.String()
}

// SaveMessage persists one committed turn
func (s *ConversationService) SaveMessage(ctx context.Context, conversationID string, role entities.MessageRole, content string) error {
	message := entities.NewMessage(conversationID, role, content)
	if err := message.Validate(); err != nil {
		return err
	}
	if err := s.repo.SaveMessage(ctx, message); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	s.logger.Debug("Message saved",
		zap.String("conversation_id", conversationID),
		zap.String("role", string(message.Role)),
		zap.Int("length", len(message.Content)))
	return nil
}

// Health checks the backing store
func (s *ConversationService) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
