// Package session implements the real-time chat synchronization core: it
// merges paginated history with the live tail feed, tracks per-recipient
// delivery state, and drives visibility-based read receipts for one open
// conversation at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/metrics"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// Options tunes a session.
type Options struct {
	PageSize            int
	VisibilityThreshold float64
	FetchTimeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.VisibilityThreshold <= 0 {
		o.VisibilityThreshold = 0.8
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	return o
}

// deps bundles what a controller needs from the outside.
type deps struct {
	log      remote.MessageLog
	convs    remote.ConversationStore
	profiles remote.ProfileStore
	cache    *cache.DB // optional write-through mirror
	bus      *bus.Bus
	logger   *zap.Logger
}

// Controller orchestrates one open conversation: first history page,
// live tail, roster (for groups), delivery tracking and read receipts.
// It owns the in-memory message set exclusively; every mutation flows
// through its lock.
type Controller struct {
	ConversationID string
	LocalUserID    string

	deps deps
	opts Options

	machine  *machine
	set      *messageSet
	pages    *pageStore
	tail     *tailRunner
	roster   *rosterSync
	delivery *deliveryTracker
	receipts *readReceiptEmitter

	conv chat.Conversation

	mu        sync.Mutex
	closeOnce sync.Once
}

// open establishes a session: conversation fetch, first page, tail, and
// roster for groups. On any establishment failure the session lands in
// Failed with everything already opened torn down.
func open(ctx context.Context, conversationID, localUserID string, d deps, opts Options) (*Controller, error) {
	opts = opts.withDefaults()
	c := &Controller{
		ConversationID: conversationID,
		LocalUserID:    localUserID,
		deps:           d,
		opts:           opts,
		machine:        newMachine(conversationID, d.bus),
		set:            newMessageSet(),
	}
	c.pages = newPageStore(d.log, c.set, conversationID, opts.PageSize, opts.FetchTimeout)
	c.delivery = newDeliveryTracker(d.log, conversationID, localUserID, c.onStatusAdvanced, d.logger)
	c.receipts = newReadReceiptEmitter(d.log, conversationID, localUserID, opts.VisibilityThreshold, c.onStatusAdvanced, d.logger)

	_ = c.machine.Transition(Loading)

	if err := c.establish(ctx); err != nil {
		_ = c.machine.Transition(Failed)
		c.teardown()
		_ = c.machine.Transition(Closed)
		return nil, err
	}

	_ = c.machine.Transition(Ready)
	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()
	return c, nil
}

func (c *Controller) establish(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	conv, err := c.deps.convs.Get(fetchCtx, c.ConversationID)
	cancel()
	if err != nil {
		return err
	}
	if !conv.HasParticipant(c.LocalUserID) {
		return remote.ErrConversationNotFound
	}
	c.conv = conv
	if c.deps.cache != nil {
		if err := c.deps.cache.UpsertConversation(&conv); err != nil && c.deps.logger != nil {
			c.deps.logger.Warn("cache conversation", zap.Error(err))
		}
	}

	c.mu.Lock()
	added, err := c.pages.LoadInitial(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.ingest(added)

	tail, err := openTail(ctx, c.deps.log, c.ConversationID, c.onTailMessage, c.onTailDown)
	if err != nil {
		return err
	}
	c.tail = tail

	if conv.Kind == chat.KindGroup {
		roster, err := openRoster(ctx, c.deps.profiles, conv.ParticipantIDs, c.opts.FetchTimeout, c.onRosterUpdate, c.deps.logger)
		if err != nil {
			return err
		}
		c.roster = roster
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.machine.Current() }

// Conversation returns the conversation document loaded on open.
func (c *Controller) Conversation() chat.Conversation { return c.conv }

// Messages returns the displayed sequence: CreatedAt descending, always,
// regardless of observation order.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.snapshot()
}

// HasMore reports whether older history remains to page through.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages.HasMore()
}

// LoadOlder fetches the next (older) history page. A no-op once the
// history is exhausted.
func (c *Controller) LoadOlder(ctx context.Context) ([]chat.Message, error) {
	c.mu.Lock()
	added, err := c.pages.LoadOlder(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.ingest(added)
	return added, nil
}

// Refresh re-fetches the newest page and merges it, the explicit entry
// point for host lifecycle signals (app foreground, screen focus).
// Pagination state is preserved.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.machine.Current() != Ready {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	page, err := c.deps.log.Query(fetchCtx, c.ConversationID, nil, c.opts.PageSize)
	if err != nil {
		return err
	}
	var added []chat.Message
	c.mu.Lock()
	for _, m := range page.Messages {
		if isNew, _ := c.set.upsert(m); isNew {
			added = append(added, m)
		}
	}
	c.mu.Unlock()
	c.ingest(added)
	return nil
}

// OnVisibility feeds rendered-visibility measurements into read-receipt
// emission.
func (c *Controller) OnVisibility(items []VisibilityItem) {
	for _, item := range items {
		c.mu.Lock()
		msg, ok := c.set.get(item.MessageID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.receipts.observe(msg, item.Fraction)
	}
}

// Roster returns the latest known profile per participant. Empty for
// direct conversations.
func (c *Controller) Roster() []chat.Profile {
	if c.roster == nil {
		return nil
	}
	return c.roster.Members()
}

// AddParticipant begins roster tracking for a newly added group member.
func (c *Controller) AddParticipant(userID string) error {
	if c.roster == nil {
		return nil
	}
	return c.roster.Add(userID)
}

// Close tears the session down: tail and roster handles are closed
// exactly once. In-flight status writes are left to finish, they are
// idempotent and harmless after close.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		current := c.machine.Current()
		if current == Ready || current == Loading || current == Failed {
			c.teardown()
			_ = c.machine.Transition(Closed)
			metrics.SessionsActive.Dec()
		}
	})
}

func (c *Controller) teardown() {
	if c.tail != nil {
		c.tail.Close()
	}
	if c.roster != nil {
		c.roster.Close()
	}
}

// ingest runs the post-insert pipeline for newly added messages: cache
// mirror, delivery tracking, bus announcement.
func (c *Controller) ingest(added []chat.Message) {
	for _, m := range added {
		metrics.MessagesIngested.Inc()
		if c.deps.cache != nil {
			if err := c.deps.cache.UpsertMessage(&m); err != nil && c.deps.logger != nil {
				c.deps.logger.Warn("cache message", zap.Error(err), zap.String("msg_id", m.ID))
			}
		}
		c.delivery.Observe(m)
		if c.deps.bus != nil {
			c.deps.bus.Publish(bus.Event{
				Kind:    bus.KindMessageUpserted,
				Payload: bus.MessageUpserted{ConversationID: c.ConversationID, Message: m},
			})
		}
	}
}

// onTailMessage folds one live-feed record into the set: unknown ids are
// added exactly once, re-deliveries merge their status snapshot.
func (c *Controller) onTailMessage(m chat.Message) {
	c.mu.Lock()
	added, changed := c.set.upsert(m)
	var merged chat.Message
	if !added && changed {
		merged, _ = c.set.get(m.ID)
	}
	c.mu.Unlock()

	if added {
		c.ingest([]chat.Message{m})
		return
	}
	if changed {
		if c.deps.cache != nil {
			_ = c.deps.cache.UpsertMessage(&merged)
		}
		c.publishStatus(merged)
	}
}

func (c *Controller) onTailDown(err error) {
	if c.deps.logger != nil {
		c.deps.logger.Warn("tail feed lost", zap.String("conversation", c.ConversationID), zap.Error(err))
	}
	if c.deps.bus != nil {
		reason := "feed closed"
		if err != nil {
			reason = err.Error()
		}
		c.deps.bus.Publish(bus.Event{
			Kind:    bus.KindTailDropped,
			Payload: bus.TailDropped{ConversationID: c.ConversationID, Reason: reason},
		})
	}
	if c.machine.Current() == Ready {
		_ = c.machine.Transition(Failed)
	}
}

// onStatusAdvanced records a successful fire-and-forget write locally so
// the display advances without waiting for the next remote snapshot. A
// later stale snapshot cannot regress it (merge rule).
func (c *Controller) onStatusAdvanced(messageID, userID string, status chat.Status) {
	c.mu.Lock()
	advanced := c.set.advance(messageID, userID, status)
	c.mu.Unlock()
	if !advanced {
		return
	}
	if c.deps.bus != nil {
		c.deps.bus.Publish(bus.Event{
			Kind: bus.KindStatusAdvanced,
			Payload: bus.StatusAdvanced{
				ConversationID: c.ConversationID,
				MessageID:      messageID,
				UserID:         userID,
				Status:         status,
			},
		})
	}
}

func (c *Controller) publishStatus(m chat.Message) {
	if c.deps.bus == nil {
		return
	}
	for uid, s := range m.StatusMap {
		c.deps.bus.Publish(bus.Event{
			Kind: bus.KindStatusAdvanced,
			Payload: bus.StatusAdvanced{
				ConversationID: c.ConversationID,
				MessageID:      m.ID,
				UserID:         uid,
				Status:         s,
			},
		})
	}
}

func (c *Controller) onRosterUpdate(p chat.Profile) {
	if c.deps.cache != nil {
		if err := c.deps.cache.UpsertRosterMember(c.ConversationID, &p); err != nil && c.deps.logger != nil {
			c.deps.logger.Warn("cache roster member", zap.Error(err), zap.String("user_id", p.UserID))
		}
	}
	if c.deps.bus != nil {
		c.deps.bus.Publish(bus.Event{
			Kind:    bus.KindRosterUpdated,
			Payload: bus.RosterUpdated{ConversationID: c.ConversationID, Profile: p},
		})
	}
}

// IsFatal reports whether a session-establishment error requires
// navigation away rather than a retry.
func IsFatal(err error) bool {
	return errors.Is(err, remote.ErrConversationNotFound)
}
