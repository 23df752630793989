package gateway

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/session"
)

// Server to client envelope types.
const (
	wsSnapshot    = "snapshot"
	wsMessage     = "message"
	wsHistory     = "history"
	wsStatus      = "status"
	wsSendAck     = "send_ack"
	wsSendFailed  = "send_failed"
	wsRoster      = "roster"
	wsSession     = "session"
	wsTailDropped = "tail_dropped"
	wsQueued      = "queued"
	wsError       = "error"
)

type serverEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type snapshotPayload struct {
	State        string         `json:"state"`
	Conversation any            `json:"conversation"`
	Messages     []chat.Message `json:"messages"`
	HasMore      bool           `json:"has_more"`
	Roster       []chat.Profile `json:"roster,omitempty"`
}

type historyPayload struct {
	Messages []chat.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

type errorPayload struct {
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

type clientEnvelope struct {
	Type     string           `json:"type"`
	Items    []visibilityItem `json:"items,omitempty"`
	Body     string           `json:"body,omitempty"`
	ClientID string           `json:"client_id,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
}

type visibilityItem struct {
	MessageID string  `json:"message_id"`
	Fraction  float64 `json:"fraction"`
}

// wsConn serializes writes: the bus pump and the read loop both reply
// on the same connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(env serverEnvelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) upgradeWS(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handleWS runs one conversation session for one connected client:
// open, snapshot, stream, teardown on disconnect.
func (s *Server) handleWS(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	userID, _ := conn.Locals("user_id").(string)
	convID := conn.Query("conversation_id")
	w := &wsConn{conn: conn}
	if userID == "" || convID == "" {
		w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: "conversation_id is required"}})
		return
	}

	sess, err := s.manager.Open(s.baseCtx, convID, userID)
	if err != nil {
		w.send(serverEnvelope{Type: wsError, Payload: errorPayload{
			Reason: err.Error(),
			Fatal:  session.IsFatal(err),
		}})
		return
	}
	defer s.closeSession(sess, convID, userID)

	w.send(serverEnvelope{Type: wsSnapshot, Payload: snapshotPayload{
		State:        string(sess.State()),
		Conversation: sess.Conversation(),
		Messages:     sess.Messages(),
		HasMore:      sess.HasMore(),
		Roster:       sess.Roster(),
	}})

	events, unsub := s.bus.Subscribe("", 256)
	defer unsub()
	done := make(chan struct{})
	defer close(done)
	go s.pumpEvents(w, convID, events, done)

	s.readLoop(w, sess, convID, userID)
}

// closeSession tears down this connection's session without touching a
// replacement opened by a newer connection.
func (s *Server) closeSession(sess *session.Controller, convID, userID string) {
	if cur, ok := s.manager.Get(convID, userID); ok && cur == sess {
		s.manager.Close(convID, userID)
		return
	}
	sess.Close()
}

// pumpEvents forwards bus events scoped to this conversation.
func (s *Server) pumpEvents(w *wsConn, convID string, events <-chan bus.Event, done <-chan struct{}) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if env, ok := translate(evt, convID); ok {
				w.send(env)
			}
		case <-done:
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// translate maps a bus event onto a client envelope, filtering out
// other conversations.
func translate(evt bus.Event, convID string) (serverEnvelope, bool) {
	switch p := evt.Payload.(type) {
	case bus.MessageUpserted:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsMessage, Payload: p.Message}, true
		}
	case bus.StatusAdvanced:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsStatus, Payload: p}, true
		}
	case bus.SendAck:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsSendAck, Payload: p}, true
		}
	case bus.SendFailed:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsSendFailed, Payload: p}, true
		}
	case bus.RosterUpdated:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsRoster, Payload: p.Profile}, true
		}
	case bus.SessionStateChanged:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsSession, Payload: p}, true
		}
	case bus.TailDropped:
		if p.ConversationID == convID {
			return serverEnvelope{Type: wsTailDropped, Payload: p}, true
		}
	}
	return serverEnvelope{}, false
}

func (s *Server) readLoop(w *wsConn, sess *session.Controller, convID, userID string) {
	for {
		mt, raw, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: "malformed envelope"}})
			continue
		}
		s.dispatch(w, sess, convID, userID, env)
	}
}

func (s *Server) dispatch(w *wsConn, sess *session.Controller, convID, userID string, env clientEnvelope) {
	switch env.Type {
	case "visibility":
		items := make([]session.VisibilityItem, 0, len(env.Items))
		for _, it := range env.Items {
			items = append(items, session.VisibilityItem{MessageID: it.MessageID, Fraction: it.Fraction})
		}
		sess.OnVisibility(items)

	case "load_older":
		added, err := sess.LoadOlder(s.baseCtx)
		if err != nil {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: err.Error()}})
			return
		}
		w.send(serverEnvelope{Type: wsHistory, Payload: historyPayload{
			Messages: added,
			HasMore:  sess.HasMore(),
		}})

	case "refresh":
		if err := sess.Refresh(s.baseCtx); err != nil {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: err.Error()}})
		}

	case "send":
		if env.Body == "" {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: "body is required"}})
			return
		}
		clientID := env.ClientID
		if clientID == "" {
			clientID = uuid.NewString()
		}
		if err := s.db.QueueOutbox(clientID, convID, userID, env.Body); err != nil {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: err.Error()}})
			return
		}
		w.send(serverEnvelope{Type: wsQueued, Payload: fiber.Map{"client_id": clientID}})

	case "add_participant":
		if env.UserID == "" {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: "user_id is required"}})
			return
		}
		if err := sess.AddParticipant(env.UserID); err != nil {
			w.send(serverEnvelope{Type: wsError, Payload: errorPayload{Reason: err.Error()}})
		}

	default:
		s.logger.Debug("unknown ws envelope", zap.String("type", env.Type))
	}
}
