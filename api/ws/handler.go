package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	"github.com/questboard/server/game/notify"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

// announceChannel carries board-wide announcements, shared with the SSE stream.
const announceChannel = "announce"

// Handler is the Gin handler for GET /ws.
type Handler struct {
	pubsub   cache.PubSub
	hub      *Hub
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the notification socket. An empty sec.AllowedOrigins
// accepts any Origin, which is only meant for local development.
func NewHandler(ps cache.PubSub, sec config.SecurityConfig, hub *Hub, router *Router, logger *zap.Logger) *Handler {
	return &Handler{
		pubsub: ps,
		hub:    hub,
		router: router,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(sec.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return len(allowed) == 0 || slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

// ServeWS handles GET /ws?access_token=<jwt>. It must run behind
// middleware.Auth.
func (h *Handler) ServeWS(c *gin.Context) {
	userID := mw.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	sess := NewSession(userID, conn, h.logger)
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, unsub, err := h.pubsub.Subscribe(subCtx, notify.Channel(userID), announceChannel)
	if err != nil {
		cancel()
		h.logger.Error("ws subscribe failed", zap.String("user_id", userID), zap.Error(err))
		sess.Close()
		return
	}

	h.hub.Register(sess)
	go h.relay(sess, msgs)
	sess.Send("connected", map[string]string{"session_id": sess.ID})

	h.readPump(sess)

	cancel()
	unsub()
	h.hub.Unregister(sess)
	h.logger.Info("ws disconnected", zap.String("user_id", userID))
}

// relay forwards pub/sub messages to the socket until either side closes.
func (h *Handler) relay(s *Session, msgs <-chan *cache.Message) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			kind := "notification"
			if msg.Channel == announceChannel {
				kind = "announce"
			}
			s.Send(kind, json.RawMessage(msg.Payload))
		case <-s.Done:
			return
		}
	}
}

// readPump reads client packets until the connection closes.
func (h *Handler) readPump(s *Session) {
	defer s.Close()

	s.setReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.setReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close", zap.String("user_id", s.UserID), zap.Error(err))
			}
			return
		}
		s.setReadDeadline()
		h.router.Dispatch(s, raw)
	}
}
