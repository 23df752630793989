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

// VisibilityItem reports how much of one rendered message is on screen.
type VisibilityItem struct {
	MessageID string  `json:"message_id"`
	Fraction  float64 `json:"fraction"`
}

// readReceiptEmitter promotes messages to "read" for the local user once
// they have been visible at or above the threshold. Each message is
// promoted at most once per session no matter how often the visibility
// callback re-fires; self-authored messages are never promoted. The
// requested marker is deliberately not rolled back on a failed write:
// flaky connectivity must not turn into a write storm, and the status
// self-heals on the next session.
type readReceiptEmitter struct {
	log            remote.MessageLog
	conversationID string
	localUserID    string
	threshold      float64
	onAdvanced     func(messageID, userID string, status chat.Status)
	logger         *zap.Logger

	mu        sync.Mutex
	requested map[string]struct{}
}

func newReadReceiptEmitter(log remote.MessageLog, conversationID, localUserID string, threshold float64, onAdvanced func(string, string, chat.Status), logger *zap.Logger) *readReceiptEmitter {
	return &readReceiptEmitter{
		log:            log,
		conversationID: conversationID,
		localUserID:    localUserID,
		threshold:      threshold,
		onAdvanced:     onAdvanced,
		logger:         logger,
		requested:      make(map[string]struct{}),
	}
}

// observe considers one visible message. The caller resolves the id to
// the message so the sender check needs no lookup here.
func (e *readReceiptEmitter) observe(msg chat.Message, fraction float64) {
	if fraction < e.threshold {
		return
	}
	if msg.SenderID == e.localUserID {
		return
	}
	if current, _ := msg.StatusFor(e.localUserID); current >= chat.StatusRead {
		return
	}

	e.mu.Lock()
	if _, done := e.requested[msg.ID]; done {
		e.mu.Unlock()
		return
	}
	e.requested[msg.ID] = struct{}{}
	e.mu.Unlock()

	go e.patch(msg.ID)
}

func (e *readReceiptEmitter) patch(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.log.PatchStatus(ctx, e.conversationID, messageID, e.localUserID, chat.StatusRead); err != nil {
		metrics.WriteFailures.Inc()
		if e.logger != nil {
			e.logger.Warn("read receipt write failed",
				zap.String("msg_id", messageID),
				zap.Error(err))
		}
		return
	}
	metrics.StatusWrites.WithLabelValues(chat.StatusRead.String()).Inc()
	if e.onAdvanced != nil {
		e.onAdvanced(messageID, e.localUserID, chat.StatusRead)
	}
}
