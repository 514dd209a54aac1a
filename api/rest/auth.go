package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/questboard/server/config"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

const devTokenTTL = 24 * time.Hour

// AuthHandler issues development tokens. Production tokens come from the
// identity provider and are only verified here.
type AuthHandler struct {
	sec    config.SecurityConfig
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{sec: sec, logger: logger}
}

// Register mounts POST /dev/token when dev tokens are enabled.
func (h *AuthHandler) Register(g *gin.RouterGroup) {
	if !h.sec.DevTokens {
		return
	}
	g.POST("/dev/token", h.DevToken)
}

type devTokenRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username" binding:"required,min=2,max=64"`
	Email    string `json:"email" binding:"omitempty,email"`
	Role     string `json:"role"`
}

// DevToken handles POST /api/dev/token.
// A missing user_id gets a fresh uuid.
func (h *AuthHandler) DevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}
	token, err := mw.IssueToken(mw.Identity{
		UserID:   req.UserID,
		Username: req.Username,
		Email:    req.Email,
		Role:     req.Role,
	}, h.sec, devTokenTTL)
	if err != nil {
		h.logger.Error("sign dev token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.logger.Info("dev token issued", zap.String("user_id", req.UserID), zap.String("role", req.Role))
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"user_id":    req.UserID,
		"expires_at": time.Now().Add(devTokenTTL),
	})
}
