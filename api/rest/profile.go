package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/progression"
	mw "github.com/questboard/server/middleware"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
)

// ProfileHandler serves user profiles, preferences and the leaderboard.
type ProfileHandler struct {
	progression *progression.Service
	ledger      *history.Ledger
	logger      *zap.Logger
}

// NewProfileHandler creates a new ProfileHandler.
func NewProfileHandler(prog *progression.Service, ledger *history.Ledger, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{progression: prog, ledger: ledger, logger: logger}
}

// Register mounts the profile routes on an authenticated group.
func (h *ProfileHandler) Register(g *gin.RouterGroup) {
	g.GET("/me", h.Me)
	g.PATCH("/me/preferences", h.UpdatePreferences)
	g.GET("/me/history", h.MyHistory)
	g.GET("/users/:id", h.User)
	g.GET("/leaderboard", h.Leaderboard)
}

// Me handles GET /api/me.
func (h *ProfileHandler) Me(c *gin.Context) {
	h.profile(c, mw.GetUserID(c))
}

// User handles GET /api/users/:id.
func (h *ProfileHandler) User(c *gin.Context) {
	h.profile(c, c.Param("id"))
}

func (h *ProfileHandler) profile(c *gin.Context, userID string) {
	p, err := h.progression.Profile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type preferencesRequest struct {
	NotifyEmail     *bool `json:"notify_email"`
	NotifyNewQuests *bool `json:"notify_new_quests"`
}

// UpdatePreferences handles PATCH /api/me/preferences.
func (h *ProfileHandler) UpdatePreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.progression.UpdatePreferences(c.Request.Context(), mw.GetUserID(c), progression.Preferences{
		NotifyEmail:     req.NotifyEmail,
		NotifyNewQuests: req.NotifyNewQuests,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// MyHistory handles GET /api/me/history?action=completed.
func (h *ProfileHandler) MyHistory(c *gin.Context) {
	entries, err := h.ledger.ListForUser(c.Request.Context(), mw.GetUserID(c),
		model.HistoryAction(c.Query("action")), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// Leaderboard handles GET /api/leaderboard.
func (h *ProfileHandler) Leaderboard(c *gin.Context) {
	entries, err := h.progression.Leaderboard(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
