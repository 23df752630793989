// Package mongodb implements the remote collaborators against the
// application's MongoDB document store, with Redis pub/sub fanning out
// profile changes.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/config"
)

const (
	messagesCollection      = "messages"
	conversationsCollection = "conversations"
	profilesCollection      = "users"
)

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// ConnectRedis creates the Redis client used for profile fan-out.
func ConnectRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// Stores bundles the collaborator implementations over one database.
type Stores struct {
	Messages      *MessageLog
	Conversations *ConversationStore
	Profiles      *ProfileStore
}

// NewStores builds the collaborators and ensures the message index.
func NewStores(client *mongo.Client, rdb *redis.Client, dbName string, logger *zap.Logger) *Stores {
	db := client.Database(dbName)

	msgColl := db.Collection(messagesCollection)
	ix := mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("conversation_created_idx"),
	}
	if _, err := msgColl.Indexes().CreateOne(context.Background(), ix); err != nil && logger != nil {
		logger.Warn("ensure message index", zap.Error(err))
	}

	return &Stores{
		Messages:      &MessageLog{coll: msgColl, logger: logger},
		Conversations: &ConversationStore{coll: db.Collection(conversationsCollection)},
		Profiles:      &ProfileStore{coll: db.Collection(profilesCollection), rdb: rdb, logger: logger},
	}
}
