package session

import (
	"maps"
	"sort"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// messageSet is the session's in-memory ordered message set: newest
// first by CreatedAt, id ascending on ties. It dedups by id and merges
// status snapshots monotonically, so the displayed order and status are
// independent of the order in which the page store and the tail feed
// observe a message. One controller owns each set; all access goes
// through the controller's lock.
type messageSet struct {
	msgs []chat.Message
	ids  map[string]struct{}
}

func newMessageSet() *messageSet {
	return &messageSet{ids: make(map[string]struct{})}
}

// upsert adds an unknown message in sorted position, or merges the
// status snapshot of a known one. added reports a new id; changed
// reports a status advance on a known id.
func (s *messageSet) upsert(m chat.Message) (added, changed bool) {
	if _, known := s.ids[m.ID]; known {
		i := s.indexOf(m.ID)
		merged := chat.MergeStatusMaps(s.msgs[i].StatusMap, m.StatusMap)
		if !maps.Equal(merged, s.msgs[i].StatusMap) {
			s.msgs[i].StatusMap = merged
			return false, true
		}
		return false, false
	}

	i := sort.Search(len(s.msgs), func(i int) bool {
		if !s.msgs[i].CreatedAt.Equal(m.CreatedAt) {
			return s.msgs[i].CreatedAt.Before(m.CreatedAt)
		}
		return s.msgs[i].ID >= m.ID
	})
	s.msgs = append(s.msgs, chat.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	s.ids[m.ID] = struct{}{}
	return true, false
}

// advance merges a single-user status advance into a known message.
func (s *messageSet) advance(messageID, userID string, status chat.Status) bool {
	if _, known := s.ids[messageID]; !known {
		return false
	}
	i := s.indexOf(messageID)
	if s.msgs[i].StatusMap[userID] >= status {
		return false
	}
	// Copy on write: handed-out snapshots share the old map.
	next := make(map[string]chat.Status, len(s.msgs[i].StatusMap)+1)
	maps.Copy(next, s.msgs[i].StatusMap)
	next[userID] = status
	s.msgs[i].StatusMap = next
	return true
}

// get returns a copy of the message with the given id.
func (s *messageSet) get(id string) (chat.Message, bool) {
	if _, known := s.ids[id]; !known {
		return chat.Message{}, false
	}
	return s.msgs[s.indexOf(id)], true
}

// snapshot returns a copy of the ordered set, newest first.
func (s *messageSet) snapshot() []chat.Message {
	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *messageSet) len() int { return len(s.msgs) }

func (s *messageSet) reset() {
	s.msgs = nil
	s.ids = make(map[string]struct{})
}

func (s *messageSet) indexOf(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
