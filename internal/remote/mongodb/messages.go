package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// MessageLog is the MongoDB-backed append-only message store.
type MessageLog struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// Append stores msg with a server-assigned id and timestamp and returns
// the stored copy.
func (l *MessageLog) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = primitive.NewObjectID().Hex()
	msg.CreatedAt = time.Now().UTC()
	if _, err := l.coll.InsertOne(ctx, msg); err != nil {
		return chat.Message{}, &remote.WriteError{Target: msg.ID, Err: err}
	}
	return msg, nil
}

// Query fetches one page newest-to-oldest, strictly before the cursor.
// Ties on created_at break by id so a boundary message is never skipped
// or repeated across pages.
func (l *MessageLog) Query(ctx context.Context, conversationID string, cursor *remote.Cursor, limit int) (remote.Page, error) {
	filter := bson.M{"conversation_id": conversationID}
	if cursor != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": cursor.Before}},
			bson.M{"created_at": cursor.Before, "_id": bson.M{"$gt": cursor.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := l.coll.Find(ctx, filter, opts)
	if err != nil {
		return remote.Page{}, &remote.FetchError{Op: "query messages", Err: err}
	}
	defer func() { _ = cur.Close(ctx) }()

	var msgs []chat.Message
	for cur.Next(ctx) {
		var m chat.Message
		if err := cur.Decode(&m); err != nil {
			return remote.Page{}, &remote.FetchError{Op: "decode message", Err: err}
		}
		msgs = append(msgs, m)
	}
	if err := cur.Err(); err != nil {
		return remote.Page{}, &remote.FetchError{Op: "iterate messages", Err: err}
	}

	page := remote.Page{Messages: msgs, HasMore: len(msgs) == limit}
	if len(msgs) > 0 {
		oldest := msgs[len(msgs)-1]
		page.NextCursor = &remote.Cursor{Before: oldest.CreatedAt, ID: oldest.ID}
	}
	return page, nil
}

// Tail opens a change stream bounded to the conversation. Inserts carry
// new messages; updates re-deliver the full document so status advances
// on the newest records flow live.
func (l *MessageLog) Tail(ctx context.Context, conversationID string) (remote.TailHandle, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"operationType":                bson.M{"$in": bson.A{"insert", "update", "replace"}},
			"fullDocument.conversation_id": conversationID,
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := l.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, &remote.FetchError{Op: "open tail", Err: err}
	}

	h := &tailHandle{
		events: make(chan chat.Message, 64),
		errs:   make(chan error, 1),
		stream: stream,
		logger: l.logger,
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	go h.pump()
	return h, nil
}

type tailHandle struct {
	events chan chat.Message
	errs   chan error
	stream *mongo.ChangeStream
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *tailHandle) Events() <-chan chat.Message { return h.events }
func (h *tailHandle) Err() <-chan error           { return h.errs }

// Close is idempotent: cancelling an already-cancelled context is a no-op
// and the pump goroutine closes the stream exactly once.
func (h *tailHandle) Close() error {
	h.cancel()
	return nil
}

func (h *tailHandle) pump() {
	defer close(h.events)
	defer func() { _ = h.stream.Close(context.Background()) }()

	for h.stream.Next(h.ctx) {
		var evt struct {
			FullDocument chat.Message `bson:"fullDocument"`
		}
		if err := h.stream.Decode(&evt); err != nil {
			if h.logger != nil {
				h.logger.Warn("tail decode failed", zap.Error(err))
			}
			continue
		}
		select {
		case h.events <- evt.FullDocument:
		case <-h.ctx.Done():
			return
		}
	}

	if err := h.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		h.errs <- remote.ErrSubscriptionDropped
	}
}

// PatchStatus advances one recipient's status with a guarded update: the
// filter only admits the write when the stored entry is absent or lower,
// so the stored map stays monotonic even under concurrent writers.
func (l *MessageLog) PatchStatus(ctx context.Context, conversationID, messageID, userID string, status chat.Status) error {
	field := "status_map." + userID
	filter := bson.M{
		"_id":             messageID,
		"conversation_id": conversationID,
		"$or": bson.A{
			bson.M{field: bson.M{"$exists": false}},
			bson.M{field: bson.M{"$lt": status}},
		},
	}
	update := bson.M{"$set": bson.M{field: status}}
	if _, err := l.coll.UpdateOne(ctx, filter, update); err != nil {
		return &remote.WriteError{Target: messageID, Err: err}
	}
	return nil
}
