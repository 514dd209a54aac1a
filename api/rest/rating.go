package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/game/rating"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

// RatingHandler handles quest rating endpoints.
type RatingHandler struct {
	ratings *rating.Service
	logger  *zap.Logger
}

// NewRatingHandler creates a new RatingHandler.
func NewRatingHandler(ratings *rating.Service, logger *zap.Logger) *RatingHandler {
	return &RatingHandler{ratings: ratings, logger: logger}
}

// Register mounts the rating routes on an authenticated group.
func (h *RatingHandler) Register(g *gin.RouterGroup) {
	g.PUT("/quests/:id/rating", h.Rate)
	g.GET("/quests/:id/ratings", h.List)
	g.GET("/quests/:id/ratings/stats", h.Stats)
}

type rateRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// Rate handles PUT /api/quests/:id/rating.
func (h *RatingHandler) Rate(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.ratings.Upsert(c.Request.Context(), c.Param("id"), mw.GetUserID(c), req.Rating, req.Comment)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": r})
}

// Stats handles GET /api/quests/:id/ratings/stats.
func (h *RatingHandler) Stats(c *gin.Context) {
	st, err := h.ratings.Stats(c.Request.Context(), c.Param("id"), mw.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// List handles GET /api/quests/:id/ratings.
func (h *RatingHandler) List(c *gin.Context) {
	list, err := h.ratings.List(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ratings": list})
}
