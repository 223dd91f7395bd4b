package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
)

// MemoryConversationRepository is an in-memory implementation of ConversationRepository.
// It backs device mode and tests when no database is configured.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation // id -> conversation
	order         []string                          // ids in creation order
	messages      map[string][]*entities.Message    // conversation id -> messages in insertion order
	now           func() time.Time
}

// NewMemoryConversationRepository creates a new in-memory conversation repository
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entities.Conversation),
		messages:      make(map[string][]*entities.Message),
		now:           time.Now,
	}
}

// Create implements ConversationRepository interface
func (m *MemoryConversationRepository) Create(ctx context.Context) (*entities.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation := &entities.Conversation{
		ID:        uuid.New().String(),
		CreatedAt: m.now(),
	}
	m.conversations[conversation.ID] = conversation
	m.order = append(m.order, conversation.ID)

	conversationCopy := *conversation
	return &conversationCopy, nil
}

// Latest implements ConversationRepository interface
func (m *MemoryConversationRepository) Latest(ctx context.Context) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.order) == 0 {
		return nil, nil
	}
	conversationCopy := *m.conversations[m.order[len(m.order)-1]]
	return &conversationCopy, nil
}

// ListRecent implements ConversationRepository interface
func (m *MemoryConversationRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*entities.Conversation{}
	for i := len(m.order) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		conversationCopy := *m.conversations[m.order[i]]
		result = append(result, &conversationCopy)
	}
	return result, nil
}

// SaveMessage implements ConversationRepository interface
func (m *MemoryConversationRepository) SaveMessage(ctx context.Context, message *entities.Message) error {
	if message == nil {
		return errors.New("message cannot be nil")
	}
	if err := message.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[message.ConversationID]; !exists {
		return repositories.ErrConversationNotFound
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = m.now()
	}

	messageCopy := *message
	m.messages[message.ConversationID] = append(m.messages[message.ConversationID], &messageCopy)
	return nil
}

// RecentMessages implements ConversationRepository interface
func (m *MemoryConversationRepository) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*entities.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.conversations[conversationID]; !exists {
		return nil, repositories.ErrConversationNotFound
	}

	stored := m.messages[conversationID]
	sorted := make([]*entities.Message, len(stored))
	copy(sorted, stored)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}

	// Return copies to prevent external modifications
	result := make([]*entities.Message, len(sorted))
	for i, message := range sorted {
		messageCopy := *message
		result[i] = &messageCopy
	}
	return result, nil
}

// Ping implements ConversationRepository interface
func (m *MemoryConversationRepository) Ping(ctx context.Context) error {
	return nil
}
