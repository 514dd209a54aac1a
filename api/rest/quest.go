package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/quest"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
)

// QuestHandler handles quest board REST endpoints.
type QuestHandler struct {
	quests *quest.Service
	ledger *history.Ledger
	logger *zap.Logger
}

// NewQuestHandler creates a new QuestHandler.
func NewQuestHandler(quests *quest.Service, ledger *history.Ledger, logger *zap.Logger) *QuestHandler {
	return &QuestHandler{quests: quests, ledger: ledger, logger: logger}
}

// Register mounts the quest routes on an authenticated group.
func (h *QuestHandler) Register(g *gin.RouterGroup) {
	g.GET("/quests", h.List)
	g.POST("/quests", h.Create)
	g.GET("/quests/:id", h.Get)
	g.PATCH("/quests/:id", h.Update)
	g.DELETE("/quests/:id", h.Delete)
	g.POST("/quests/:id/accept", h.Accept)
	g.POST("/quests/:id/complete", h.Complete)
	g.POST("/quests/:id/abandon", h.Abandon)
	g.GET("/quests/:id/history", h.History)
}

// List handles GET /api/quests.
func (h *QuestHandler) List(c *gin.Context) {
	f := quest.Filter{
		Status:     model.QuestStatus(c.Query("status")),
		Difficulty: model.Difficulty(c.Query("difficulty")),
		Category:   c.Query("category"),
		CreatedBy:  c.Query("created_by"),
		AcceptedBy: c.Query("accepted_by"),
		Limit:      queryInt(c, "limit", 20),
		Offset:     queryInt(c, "offset", 0),
	}
	quests, total, err := h.quests.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": quests, "total": total})
}

// Get handles GET /api/quests/:id.
func (h *QuestHandler) Get(c *gin.Context) {
	q, err := h.quests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest": q})
}

// Create handles POST /api/quests.
func (h *QuestHandler) Create(c *gin.Context) {
	var d quest.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err := h.quests.Create(c.Request.Context(), d, actorOf(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"quest": q})
}

// Update handles PATCH /api/quests/:id.
func (h *QuestHandler) Update(c *gin.Context) {
	var p quest.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err := h.quests.Update(c.Request.Context(), c.Param("id"), p, actorOf(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest": q})
}

// Delete handles DELETE /api/quests/:id.
func (h *QuestHandler) Delete(c *gin.Context) {
	if err := h.quests.Delete(c.Request.Context(), c.Param("id"), actorOf(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Accept handles POST /api/quests/:id/accept.
func (h *QuestHandler) Accept(c *gin.Context) {
	q, err := h.quests.Accept(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest": q})
}

// Complete handles POST /api/quests/:id/complete.
func (h *QuestHandler) Complete(c *gin.Context) {
	res, err := h.quests.Complete(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := gin.H{"quest": res.Quest, "achievements": res.Achievements}
	if p := res.Progress; p != nil {
		resp["progress"] = gin.H{
			"level":       p.NewLevel,
			"leveled_up":  p.LeveledUp,
			"rank":        p.Rank,
			"experience":  p.User.Experience,
			"points":      p.User.Points,
			"reward_text": p.RewardText,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Abandon handles POST /api/quests/:id/abandon.
func (h *QuestHandler) Abandon(c *gin.Context) {
	q, err := h.quests.Abandon(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest": q})
}

// History handles GET /api/quests/:id/history. History outlives the quest,
// so deleted quests still answer.
func (h *QuestHandler) History(c *gin.Context) {
	entries, err := h.ledger.ListForQuest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}
