package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/metrics"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// deliveryTracker advances the local user's per-message status as
// messages are observed: a received message below "delivered" is marked
// delivered, and a self-authored legacy record with no sender entry gets
// its initial "sent" marker. Writes are fire-and-forget; the remote
// store's guarded patch makes redundant issues a no-op.
type deliveryTracker struct {
	log            remote.MessageLog
	conversationID string
	localUserID    string
	onAdvanced     func(messageID, userID string, status chat.Status)
	logger         *zap.Logger

	mu     sync.Mutex
	issued map[string]chat.Status // highest status already requested per message
}

func newDeliveryTracker(log remote.MessageLog, conversationID, localUserID string, onAdvanced func(string, string, chat.Status), logger *zap.Logger) *deliveryTracker {
	return &deliveryTracker{
		log:            log,
		conversationID: conversationID,
		localUserID:    localUserID,
		onAdvanced:     onAdvanced,
		logger:         logger,
		issued:         make(map[string]chat.Status),
	}
}

// Observe inspects one observed message (with its merged status map) and
// issues any pending status advance asynchronously.
func (t *deliveryTracker) Observe(msg chat.Message) {
	var target chat.Status
	current, hasEntry := msg.StatusFor(t.localUserID)

	switch {
	case msg.SenderID != t.localUserID && current < chat.StatusDelivered:
		target = chat.StatusDelivered
	case msg.SenderID == t.localUserID && !hasEntry:
		target = chat.StatusSent
	default:
		return
	}

	t.mu.Lock()
	if t.issued[msg.ID] >= target {
		t.mu.Unlock()
		return
	}
	t.issued[msg.ID] = target
	t.mu.Unlock()

	go t.patch(msg.ID, target)
}

func (t *deliveryTracker) patch(messageID string, status chat.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.log.PatchStatus(ctx, t.conversationID, messageID, t.localUserID, status); err != nil {
		metrics.WriteFailures.Inc()
		if t.logger != nil {
			t.logger.Warn("delivery status write failed",
				zap.String("msg_id", messageID),
				zap.Stringer("status", status),
				zap.Error(err))
		}
		return
	}
	metrics.StatusWrites.WithLabelValues(status.String()).Inc()
	if t.onAdvanced != nil {
		t.onAdvanced(messageID, t.localUserID, status)
	}
}
