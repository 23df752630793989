package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// Manager owns every live session, keyed by (user, conversation). It
// enforces the re-entry rule: opening a conversation that already has a
// live session for the same user fully closes the prior session first,
// so one client instance never holds duplicate subscriptions on the same
// conversation.
type Manager struct {
	deps deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager builds a session manager. cache may be nil (no mirror).
func NewManager(log remote.MessageLog, convs remote.ConversationStore, profiles remote.ProfileStore, db *cache.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		deps: deps{
			log:      log,
			convs:    convs,
			profiles: profiles,
			cache:    db,
			bus:      b,
			logger:   logger,
		},
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Controller),
	}
}

// Open establishes a session for one user on one conversation.
func (m *Manager) Open(ctx context.Context, conversationID, localUserID string) (*Controller, error) {
	key := localUserID + "|" + conversationID

	m.mu.Lock()
	prior := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	c, err := open(ctx, conversationID, localUserID, m.deps, m.opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[key] = c
	m.mu.Unlock()
	return c, nil
}

// Get returns the live session for (user, conversation), if any.
func (m *Manager) Get(conversationID, localUserID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[localUserID+"|"+conversationID]
	return c, ok
}

// Close tears down one session if it is live.
func (m *Manager) Close(conversationID, localUserID string) {
	key := localUserID + "|" + conversationID
	m.mu.Lock()
	c := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// CloseAll tears down every live session, for daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()
	for _, c := range sessions {
		c.Close()
	}
}
