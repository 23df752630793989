// Package gateway exposes the daemon to local clients over HTTP and
// WebSocket: REST endpoints for cached reads and queued sends, and a
// WebSocket per open conversation that streams session events.
package gateway

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/session"
)

// Server is the client-facing gateway.
type Server struct {
	addr    string
	app     *fiber.App
	manager *session.Manager
	db      *cache.DB
	bus     *bus.Bus
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New wires routes onto a fresh fiber app. jwtSecret signs client
// tokens (HS256).
func New(addr, jwtSecret string, manager *session.Manager, db *cache.DB, b *bus.Bus, logger *zap.Logger) *Server {
	s := &Server{
		addr:    addr,
		manager: manager,
		db:      db,
		bus:     b,
		logger:  logger,
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	v1 := app.Group("/v1", jwtAuth(jwtSecret))
	v1.Get("/conversations", s.listConversations)
	v1.Get("/ws", s.upgradeWS, websocket.New(s.handleWS))

	conv := v1.Group("/conversations/:id", s.requireParticipant)
	conv.Get("/", s.getConversation)
	conv.Get("/messages", s.listMessages)
	conv.Post("/messages", s.queueMessage)
	conv.Get("/roster", s.getRoster)

	s.app = app
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.app.Listen(s.addr); err != nil {
			s.logger.Error("gateway listen", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down and cancels live WebSocket sessions.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	return s.app.ShutdownWithTimeout(deadline)
}

// requireParticipant scopes a conversation route to its members, based
// on the cached conversation document. A conversation the daemon has
// never seen reads as not found rather than forbidden.
func (s *Server) requireParticipant(c *fiber.Ctx) error {
	conv, err := s.db.GetConversation(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if conv == nil {
		return fiber.NewError(fiber.StatusNotFound, "conversation not cached")
	}
	userID, _ := c.Locals("user_id").(string)
	if !conv.HasParticipant(userID) {
		return fiber.NewError(fiber.StatusForbidden, "not a conversation participant")
	}
	c.Locals("conversation", conv)
	return c.Next()
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	userID, _ := c.Locals("user_id").(string)
	convs, err := s.db.ListConversations(limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	visible := make([]chat.Conversation, 0, len(convs))
	for _, cv := range convs {
		if cv.HasParticipant(userID) {
			visible = append(visible, cv)
		}
	}
	return c.JSON(fiber.Map{"conversations": visible})
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	conv, _ := c.Locals("conversation").(*chat.Conversation)
	return c.JSON(conv)
}

// listMessages serves the cached mirror with keyset pagination. The
// authoritative paged history flows through the WebSocket session; this
// endpoint exists so a client can render instantly on reopen.
func (s *Server) listMessages(c *fiber.Ctx) error {
	var before time.Time
	if ms := c.QueryInt("before", 0); ms > 0 {
		before = time.UnixMilli(int64(ms))
	}
	limit := c.QueryInt("limit", 50)

	msgs, err := s.db.ListMessages(c.Params("id"), before, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	resp := fiber.Map{"messages": msgs}
	if len(msgs) > 0 {
		resp["next_before"] = msgs[len(msgs)-1].CreatedAt.UnixMilli()
	}
	return c.JSON(resp)
}

type sendRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id"`
}

// queueMessage persists a send to the outbox and returns immediately.
// The ack (with the server-assigned id) arrives on the WebSocket.
func (s *Server) queueMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Body == "" {
		return fiber.NewError(fiber.StatusBadRequest, "body is required")
	}
	userID, _ := c.Locals("user_id").(string)
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if err := s.db.QueueOutbox(req.ClientID, c.Params("id"), userID, req.Body); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"client_id": req.ClientID,
		"status":    "queued",
	})
}

func (s *Server) getRoster(c *fiber.Ctx) error {
	roster, err := s.db.ListRoster(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"roster": roster})
}
