package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/game/notify"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

// NotificationHandler serves the caller's notification inbox.
type NotificationHandler struct {
	inbox  *notify.Inbox
	logger *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(inbox *notify.Inbox, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{inbox: inbox, logger: logger}
}

// Register mounts the inbox routes on an authenticated group.
func (h *NotificationHandler) Register(g *gin.RouterGroup) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/unread-count", h.UnreadCount)
	g.POST("/notifications/read-all", h.MarkAllRead)
	g.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /api/notifications?unread=true.
func (h *NotificationHandler) List(c *gin.Context) {
	list, err := h.inbox.List(c.Request.Context(), mw.GetUserID(c),
		c.Query("unread") == "true", queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

// UnreadCount handles GET /api/notifications/unread-count.
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.inbox.UnreadCount(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

// MarkRead handles POST /api/notifications/:id/read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	n, err := h.inbox.MarkRead(c.Request.Context(), mw.GetUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

// MarkAllRead handles POST /api/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	changed, err := h.inbox.MarkAllRead(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": changed})
}
