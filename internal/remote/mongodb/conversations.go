package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// ConversationStore is the MongoDB-backed conversation document store.
type ConversationStore struct {
	coll *mongo.Collection
}

// Get fetches one conversation. A missing document is fatal for the
// session and surfaces as remote.ErrConversationNotFound.
func (s *ConversationStore) Get(ctx context.Context, id string) (chat.Conversation, error) {
	var c chat.Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Conversation{}, remote.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, &remote.FetchError{Op: "get conversation", Err: err}
	}
	return c, nil
}

// Patch updates the send-mutable conversation fields.
func (s *ConversationStore) Patch(ctx context.Context, id string, fields remote.ConversationPatch) error {
	update := bson.M{"$set": bson.M{
		"last_message_summary": fields.LastMessageSummary,
		"updated_at":           fields.UpdatedAt,
	}}
	if _, err := s.coll.UpdateByID(ctx, id, update); err != nil {
		return &remote.WriteError{Target: id, Err: err}
	}
	return nil
}
