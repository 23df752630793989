// Package outbox drains locally queued sends into the remote message
// log. Sends survive restarts: they are persisted in the cache before
// the daemon ever touches the network.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/metrics"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// Sender polls the cache outbox and appends queued messages to the
// remote log, keeping the conversation summary current.
type Sender struct {
	db     *cache.DB
	log    remote.MessageLog
	convs  remote.ConversationStore
	bus    *bus.Bus
	logger *zap.Logger

	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
}

// NewSender builds an outbox sender. interval controls how often the
// queue is polled, timeout bounds each remote append.
func NewSender(db *cache.DB, log remote.MessageLog, convs remote.ConversationStore, b *bus.Bus, logger *zap.Logger, interval, timeout time.Duration) *Sender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		db:       db,
		log:      log,
		convs:    convs,
		bus:      b,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins polling the outbox for queued sends.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry cache.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	// Optimistic echo: visible to clients immediately under the client
	// id, replaced once the authoritative record lands.
	echo := chat.Message{
		ID:             entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		Body:           entry.Body,
		CreatedAt:      time.Now().UTC(),
		StatusMap:      map[string]chat.Status{entry.SenderID: chat.StatusSent},
	}
	if err := s.db.UpsertPendingMessage(&echo); err != nil {
		s.logger.Warn("cache optimistic echo", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.publish(bus.KindMessageUpserted, bus.MessageUpserted{
		ConversationID: entry.ConversationID,
		Message:        echo,
	})

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	stored, err := s.log.Append(sendCtx, chat.Message{
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		Body:           entry.Body,
		StatusMap:      map[string]chat.Status{entry.SenderID: chat.StatusSent},
	})
	cancel()
	if err != nil {
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, stored.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	// The authoritative record supersedes the echo.
	if err := s.db.DeleteMessage(entry.ConversationID, entry.ClientMsgID); err != nil {
		s.logger.Warn("discard optimistic echo", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.UpsertMessage(&stored); err != nil {
		s.logger.Warn("cache sent message", zap.Error(err), zap.String("msg_id", stored.ID))
	}

	s.patchSummary(ctx, entry.ConversationID, stored)

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", stored.ID))
	s.publish(bus.KindMessageSendAck, bus.SendAck{
		ConversationID: entry.ConversationID,
		ClientID:       entry.ClientMsgID,
		ServerID:       stored.ID,
	})
}

func (s *Sender) fail(entry cache.OutboxEntry, err error) {
	metrics.WriteFailures.Inc()
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	if markErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); markErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(markErr), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.publish(bus.KindMessageSendFailed, bus.SendFailed{
		ConversationID: entry.ConversationID,
		ClientID:       entry.ClientMsgID,
		Reason:         err.Error(),
	})
}

// patchSummary keeps the conversation list preview in step with the
// newest message. Failure here is tolerable, the next send repairs it.
func (s *Sender) patchSummary(ctx context.Context, conversationID string, m chat.Message) {
	patchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.convs.Patch(patchCtx, conversationID, remote.ConversationPatch{
		LastMessageSummary: summarize(m.Body),
		UpdatedAt:          m.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("patch conversation summary", zap.Error(err), zap.String("conversation", conversationID))
	}
}

const summaryLimit = 120

func summarize(body string) string {
	runes := []rune(body)
	if len(runes) <= summaryLimit {
		return body
	}
	return string(runes[:summaryLimit])
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}
