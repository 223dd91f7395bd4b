package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/duplexvoice/adapters"
	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/internal/duplex"
)

var _ duplex.Store = &ConversationService{}

func TestConversationService_LatestCreatesOnce(t *testing.T) {
	ctx := context.Background()
	repo := adapters.NewMemoryConversationRepository()
	service := NewConversationService(repo, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := service.LatestConversationID(ctx)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	list, err := service.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	for _, id := range ids {
		assert.Equal(t, list[0].ID, id)
	}

	fresh, err := service.NewConversation(ctx)
	require.NoError(t, err)
	latest, err := service.LatestConversationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, latest)
}

// slowLatestRepository parks Latest until released and fails if its context was cancelled meanwhile
type slowLatestRepository struct {
	*adapters.MemoryConversationRepository
	entered chan struct{}
	release chan struct{}
}

func (r *slowLatestRepository) Latest(ctx context.Context) (*entities.Conversation, error) {
	close(r.entered)
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemoryConversationRepository.Latest(ctx)
}

func TestConversationService_LatestSurvivesFirstCallerCancel(t *testing.T) {
	repo := &slowLatestRepository{
		MemoryConversationRepository: adapters.NewMemoryConversationRepository(),
		entered:                      make(chan struct{}),
		release:                      make(chan struct{}),
	}
	service := NewConversationService(repo, zaptest.NewLogger(t))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := service.LatestConversationID(firstCtx)
		firstErr <- err
	}()
	<-repo.entered

	secondID := make(chan string, 1)
	secondErr := make(chan error, 1)
	go func() {
		id, err := service.LatestConversationID(context.Background())
		secondID <- id
		secondErr <- err
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(repo.release)
	select {
	case id := <-secondID:
		require.NoError(t, <-secondErr)
		assert.NotEmpty(t, id)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}

	list, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConversationService_RecentHistory(t *testing.T) {
	ctx := context.Background()
	repo := adapters.NewMemoryConversationRepository()
	service := NewConversationService(repo, zaptest.NewLogger(t))

	id, err := service.LatestConversationID(ctx)
	require.NoError(t, err)

	history, err := service.RecentHistory(ctx, id, 6)
	require.NoError(t, err)
	assert.Equal(t, entities.NoPriorConversation, history)

	turns := []struct {
		role entities.MessageRole
		text string
	}{
		{entities.MessageRoleUser, "m1"},
		{entities.MessageRoleAssistant, "m2"},
		{entities.MessageRoleUser, "m3"},
		{entities.MessageRoleAssistant, "m4"},
		{entities.MessageRoleUser, "m5"},
		{entities.MessageRoleAssistant, "m6"},
		{entities.MessageRoleUser, " m7 "},
	}
	for _, turn := range turns {
		require.NoError(t, service.SaveMessage(ctx, id, turn.role, turn.text))
	}

	history, err = service.RecentHistory(ctx, id, 6)
	require.NoError(t, err)
	assert.Equal(t, "Previous conversation:\nAssistant: m2\nUser: m3\nAssistant: m4\nUser: m5\nAssistant: m6\nUser: m7", history)

	messages, err := service.History(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m6", messages[0].Content)
	assert.Equal(t, "m7", messages[1].Content)
}

func TestConversationService_SaveMessageErrors(t *testing.T) {
	ctx := context.Background()
	service := NewConversationService(adapters.NewMemoryConversationRepository(), zaptest.NewLogger(t))

	assert.Error(t, service.SaveMessage(ctx, "missing", entities.MessageRoleUser, "hello"))

	id, err := service.LatestConversationID(ctx)
	require.NoError(t, err)
	assert.Error(t, service.SaveMessage(ctx, id, entities.MessageRoleUser, "   "))
	assert.NoError(t, service.Health(ctx))
}

func TestFormatHistory_SkipsBlank(t *testing.T) {
	assert.Equal(t, entities.NoPriorConversation, FormatHistory([]*entities.Message{{Role: entities.MessageRoleUser, Content: " "}}))
	assert.Equal(t, "Previous conversation:\nUser: hi", FormatHistory([]*entities.Message{{Role: entities.MessageRoleUser, Content: "hi"}}))
}
