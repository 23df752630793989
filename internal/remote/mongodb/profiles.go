package mongodb

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

const profileChannelPrefix = "profile:"

// ProfileStore is the MongoDB-backed member profile store. Live updates
// fan out over Redis pub/sub, one channel per user id.
type ProfileStore struct {
	coll   *mongo.Collection
	rdb    *redis.Client
	logger *zap.Logger
}

// Get fetches one profile record.
func (s *ProfileStore) Get(ctx context.Context, userID string) (chat.Profile, error) {
	var p chat.Profile
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// A roster entry for an unknown user renders as a bare id.
		return chat.Profile{UserID: userID}, nil
	}
	if err != nil {
		return chat.Profile{}, &remote.FetchError{Op: "get profile", Err: err}
	}
	return p, nil
}

// Subscribe opens a live feed for one user's profile: the current record
// is delivered first, then every published change.
func (s *ProfileStore) Subscribe(ctx context.Context, userID string) (remote.ProfileHandle, error) {
	initial, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub := s.rdb.Subscribe(ctx, profileChannelPrefix+userID)
	// Confirm the subscription before the initial snapshot so no
	// published change can slip between the two.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, &remote.FetchError{Op: "subscribe profile", Err: err}
	}

	h := &profileHandle{
		updates: make(chan chat.Profile, 8),
		sub:     sub,
		logger:  s.logger,
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	go h.pump(initial)
	return h, nil
}

// PublishProfile writes an updated profile and notifies subscribers. The
// daemon calls this on the profile write path; other writers publish the
// same way.
func (s *ProfileStore) PublishProfile(ctx context.Context, p chat.Profile) error {
	filter := bson.M{"_id": p.UserID}
	update := bson.M{"$set": p}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return &remote.WriteError{Target: p.UserID, Err: err}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, profileChannelPrefix+p.UserID, payload).Err()
}

type profileHandle struct {
	updates chan chat.Profile
	sub     *redis.PubSub
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func (h *profileHandle) Updates() <-chan chat.Profile { return h.updates }

// Close is idempotent.
func (h *profileHandle) Close() error {
	h.cancel()
	return h.sub.Close()
}

func (h *profileHandle) pump(initial chat.Profile) {
	defer close(h.updates)

	select {
	case h.updates <- initial:
	case <-h.ctx.Done():
		return
	}

	ch := h.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var p chat.Profile
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				if h.logger != nil {
					h.logger.Warn("profile payload decode failed", zap.Error(err))
				}
				continue
			}
			select {
			case h.updates <- p:
			case <-h.ctx.Done():
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}
