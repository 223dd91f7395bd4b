// Package app wires configured backends for the server and the device CLI.
package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/adapters"
	"github.com/satriahrh/duplexvoice/adapters/llm"
	"github.com/satriahrh/duplexvoice/adapters/mongo"
	"github.com/satriahrh/duplexvoice/adapters/redis"
	"github.com/satriahrh/duplexvoice/domain/repositories"
	"github.com/satriahrh/duplexvoice/internal/config"
	"github.com/satriahrh/duplexvoice/internal/websocket"
)

// OpenStore returns the configured conversation repository and a func that releases it
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.ConversationRepository, func(context.Context) error, error) {
	switch cfg.Store {
	case config.StoreMongo:
		client, err := mongo.NewClient(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		repo := mongo.NewConversationRepository(client.Database)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return repo, client.Close, nil
	default:
		logger.Info("Using in-memory conversation store")
		return adapters.NewMemoryConversationRepository(), func(context.Context) error { return nil }, nil
	}
}

// NewLiveModel returns the configured live model
func NewLiveModel(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.LiveModel, error) {
	if cfg.LLM == config.ProviderMock {
		logger.Info("Using mock live model")
		return NewEchoModel(), nil
	}
	return llm.NewGeminiLive(ctx, cfg.Gemini, logger)
}

// NewEchoModel returns a mock live model that answers every text turn with a transcript
func NewEchoModel() *llm.MockLive {
	mock := llm.NewMockLive()
	mock.OnText = func(session *llm.MockLiveSession, text string) {
		session.Inject(repositories.OutputTranscript{Text: "You said: " + text})
	}
	return mock
}

// RedisRelay adapts the Redis broadcaster to the hub's event relay
type RedisRelay struct {
	*redis.Broadcaster
}

// Subscribe implements websocket.EventRelay
func (r RedisRelay) Subscribe(ctx context.Context, group string) (websocket.EventSubscription, error) {
	sub, err := r.Broadcaster.Subscribe(ctx, group)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// OpenRedis connects the optional Redis relay. It returns nils when Redis is not configured.
func OpenRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) (*goredis.Client, *RedisRelay, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil, nil
	}
	client, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	var opts []redis.Option
	if cfg.Redis.Prefix != "" {
		opts = append(opts, redis.WithPrefix(cfg.Redis.Prefix))
	}
	return client, &RedisRelay{redis.NewBroadcaster(client, logger, opts...)}, nil
}
