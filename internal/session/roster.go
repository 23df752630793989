package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// rosterSync keeps a group's member list live: one profile subscription
// per participant, each independently pushing updates. The aggregate is
// the latest known profile per id; order never matters. Membership can
// only grow within a session.
type rosterSync struct {
	profiles remote.ProfileStore
	timeout  time.Duration
	onUpdate func(chat.Profile)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]remote.ProfileHandle
	latest  map[string]chat.Profile
	closed  bool
}

// openRoster subscribes to every participant. A failing subscription
// closes the ones already opened and reports the error. timeout bounds
// each subscription's initial fetch.
func openRoster(ctx context.Context, profiles remote.ProfileStore, participantIDs []string, timeout time.Duration, onUpdate func(chat.Profile), logger *zap.Logger) (*rosterSync, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &rosterSync{
		profiles: profiles,
		timeout:  timeout,
		onUpdate: onUpdate,
		logger:   logger,
		handles:  make(map[string]remote.ProfileHandle),
		latest:   make(map[string]chat.Profile),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, id := range participantIDs {
		if err := r.Add(id); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Add subscribes one new participant without disturbing existing
// subscriptions. Adding an already-tracked id is a no-op.
func (r *rosterSync) Add(userID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if _, tracked := r.handles[userID]; tracked {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	handle, err := r.subscribe(userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	r.handles[userID] = handle
	r.mu.Unlock()

	go r.pump(userID, handle)
	return nil
}

// subscribe opens one profile subscription, bounding the wait on its
// initial fetch so a hung profile store cannot wedge session
// establishment. The feed itself stays tied to the roster's lifetime.
func (r *rosterSync) subscribe(userID string) (remote.ProfileHandle, error) {
	type result struct {
		handle remote.ProfileHandle
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := r.profiles.Subscribe(r.ctx, userID)
		ch <- result{handle: h, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.handle, res.err
	case <-timer.C:
		// A handle arriving after the deadline is closed on arrival.
		go func() {
			if res := <-ch; res.handle != nil {
				_ = res.handle.Close()
			}
		}()
		return nil, &remote.FetchError{Op: "roster subscribe", Err: context.DeadlineExceeded}
	}
}

// Members returns the latest profile per participant, sorted by display
// name for a stable member sheet.
func (r *rosterSync) Members() []chat.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Profile, 0, len(r.latest))
	for _, p := range r.latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Close tears down every subscription. Safe to call more than once.
func (r *rosterSync) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]remote.ProfileHandle)
	r.mu.Unlock()

	r.cancel()
	for _, h := range handles {
		_ = h.Close()
	}
}

func (r *rosterSync) pump(userID string, handle remote.ProfileHandle) {
	for {
		select {
		case p, ok := <-handle.Updates():
			if !ok {
				return
			}
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.latest[userID] = p
			r.mu.Unlock()
			if r.onUpdate != nil {
				r.onUpdate(p)
			}
		case <-r.ctx.Done():
			return
		}
	}
}
