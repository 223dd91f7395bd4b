package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
)

type conversationDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

type messageDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversation_id"`
	Role           string             `bson:"role"`
	Content        string             `bson:"content"`
	Timestamp      time.Time          `bson:"timestamp"`
}

type ConversationRepository struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database) *ConversationRepository {
	return &ConversationRepository{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
}

// EnsureIndexes creates the indexes used by Latest and RecentMessages
func (r *ConversationRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversations index: %w", err)
	}

	_, err = r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}
	return nil
}

// Create implements repositories.ConversationRepository
func (r *ConversationRepository) Create(ctx context.Context) (*entities.Conversation, error) {
	doc := conversationDocument{CreatedAt: time.Now().UTC()}

	result, err := r.conversations.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	oid, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("unexpected conversation id type %T", result.InsertedID)
	}
	return &entities.Conversation{ID: oid.Hex(), CreatedAt: doc.CreatedAt}, nil
}

// Latest implements repositories.ConversationRepository
func (r *ConversationRepository) Latest(ctx context.Context) (*entities.Conversation, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	var doc conversationDocument
	err := r.conversations.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No conversation yet, return nil without error
		}
		return nil, fmt.Errorf("failed to get latest conversation: %w", err)
	}
	return toConversation(doc), nil
}

// ListRecent implements repositories.ConversationRepository
func (r *ConversationRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	result := make([]*entities.Conversation, 0, len(docs))
	for _, doc := range docs {
		result = append(result, toConversation(doc))
	}
	return result, nil
}

// SaveMessage implements repositories.ConversationRepository
func (r *ConversationRepository) SaveMessage(ctx context.Context, message *entities.Message) error {
	if message == nil {
		return errors.New("message cannot be nil")
	}
	if err := message.Validate(); err != nil {
		return err
	}

	conversationID, err := primitive.ObjectIDFromHex(message.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: %s", repositories.ErrConversationNotFound, message.ConversationID)
	}

	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	result, err := r.messages.InsertOne(ctx, messageDocument{
		ConversationID: conversationID,
		Role:           string(message.Role),
		Content:        message.Content,
		Timestamp:      message.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		message.ID = oid.Hex()
	}
	return nil
}

// RecentMessages implements repositories.ConversationRepository
func (r *ConversationRepository) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*entities.Message, error) {
	oid, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", repositories.ErrConversationNotFound, conversationID)
	}

	// newest first so the limit keeps the most recent messages
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.messages.Find(ctx, bson.M{"conversation_id": oid}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for conversation %s: %w", conversationID, err)
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	result := make([]*entities.Message, len(docs))
	for i, doc := range docs {
		result[len(docs)-1-i] = &entities.Message{
			ID:             doc.ID.Hex(),
			ConversationID: doc.ConversationID.Hex(),
			Role:           entities.MessageRole(doc.Role),
			Content:        doc.Content,
			Timestamp:      doc.Timestamp,
		}
	}
	return result, nil
}

// Ping implements repositories.ConversationRepository
func (r *ConversationRepository) Ping(ctx context.Context) error {
	return r.conversations.Database().Client().Ping(ctx, readpref.Primary())
}

func toConversation(doc conversationDocument) *entities.Conversation {
	return &entities.Conversation{ID: doc.ID.Hex(), CreatedAt: doc.CreatedAt}
}
