package sse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/game/notify"
	"github.com/questboard/server/metrics"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

const announceChannel = "announce"

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, keepalive: 30 * time.Second, logger: logger}
}

// ServeSSE handles GET /api/notifications/stream?access_token=<jwt>.
// It must run behind middleware.Auth. The caller's live notifications are
// sent as "notification" events and board-wide announcements as "announce".
func (h *Handler) ServeSSE(c *gin.Context) {
	userID := mw.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, notify.Channel(userID), announceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.String("user_id", userID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()
	metrics.LiveStreams.WithLabelValues("sse").Inc()
	defer metrics.LiveStreams.WithLabelValues("sse").Dec()

	c.SSEvent("connected", "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return false
			}
			name := "notification"
			if msg.Channel == announceChannel {
				name = "announce"
			}
			c.SSEvent(name, msg.Payload)
			return true
		case <-ticker.C:
			// comment line; keeps idle proxies from closing the stream
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-subCtx.Done():
			return false
		}
	})
	h.logger.Debug("sse stream closed", zap.String("user_id", userID))
}

type announceRequest struct {
	Message string `json:"message" binding:"required,max=500"`
}

// PostAnnounce handles POST /api/announce. Only elevated callers may
// broadcast.
func (h *Handler) PostAnnounce(c *gin.Context) {
	id, _ := mw.GetIdentity(c)
	if !id.Elevated {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Announce(c.Request.Context(), req.Message); err != nil {
		h.logger.Error("announce failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	h.logger.Info("announcement sent", zap.String("user_id", id.UserID))
	c.Status(http.StatusNoContent)
}

// Announce publishes message, JSON-encoded as a string, to every SSE and
// WebSocket subscriber.
func (h *Handler) Announce(ctx context.Context, message string) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return h.pubsub.Publish(ctx, announceChannel, string(raw))
}
