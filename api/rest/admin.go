package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mw "github.com/questboard/server/middleware"
	"github.com/questboard/server/scheduler"
	"go.uber.org/zap"
)

// TaskRunner reports on and triggers scheduled maintenance tasks.
type TaskRunner interface {
	Tasks() []scheduler.TaskStatus
	RunNow(name string) error
}

// OnlineCounter reports how many live notification sockets are open.
type OnlineCounter interface {
	Count() int
}

// OverdueExpirer releases in-progress quests whose deadline has passed.
type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// AdminHandler exposes operator endpoints to elevated callers.
type AdminHandler struct {
	tasks   TaskRunner
	online  OnlineCounter
	expirer OverdueExpirer
	logger  *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. online may be nil.
func NewAdminHandler(tasks TaskRunner, online OnlineCounter, expirer OverdueExpirer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{tasks: tasks, online: online, expirer: expirer, logger: logger}
}

// Register mounts the admin routes on an authenticated group.
func (h *AdminHandler) Register(g *gin.RouterGroup) {
	admin := g.Group("/admin", RequireElevated())
	admin.GET("/status", h.Status)
	admin.POST("/expire-overdue", h.ExpireOverdue)
	admin.POST("/tasks/:name/run", h.RunTask)
}

// RequireElevated rejects callers whose role is not elevated.
func RequireElevated() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := mw.GetIdentity(c)
		if !ok || !id.Elevated {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Status handles GET /api/admin/status.
func (h *AdminHandler) Status(c *gin.Context) {
	resp := gin.H{"tasks": h.tasks.Tasks()}
	if h.online != nil {
		resp["ws_sessions"] = h.online.Count()
	}
	c.JSON(http.StatusOK, resp)
}

// ExpireOverdue handles POST /api/admin/expire-overdue and runs the overdue
// sweep immediately.
func (h *AdminHandler) ExpireOverdue(c *gin.Context) {
	n, err := h.expirer.ExpireOverdue(c.Request.Context(), time.Now())
	if err != nil {
		h.logger.Warn("manual overdue sweep incomplete", zap.Int("released", n), zap.Error(err))
	}
	h.logger.Info("manual overdue sweep", zap.String("user_id", mw.GetUserID(c)), zap.Int("released", n))
	resp := gin.H{"released": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// RunTask handles POST /api/admin/tasks/:name/run. The task runs in the
// request goroutine; a task already mid-run answers 409.
func (h *AdminHandler) RunTask(c *gin.Context) {
	name := c.Param("name")
	err := h.tasks.RunNow(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
	case errors.Is(err, scheduler.ErrTaskBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "task is already running"})
	case err != nil:
		h.logger.Warn("manual task run failed", zap.String("task", name), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"task": name, "error": err.Error()})
	default:
		h.logger.Info("manual task run", zap.String("task", name), zap.String("user_id", mw.GetUserID(c)))
		c.JSON(http.StatusOK, gin.H{"task": name})
	}
}
