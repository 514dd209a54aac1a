package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/game/errs"
	"github.com/questboard/server/game/quest"
	mw "github.com/questboard/server/middleware"
	"go.uber.org/zap"
)

var codeStatus = map[string]int{
	errs.CodeValidation: http.StatusBadRequest,
	errs.CodeNotFound:   http.StatusNotFound,
	errs.CodeForbidden:  http.StatusForbidden,
	errs.CodeConflict:   http.StatusConflict,
}

// respondError maps an engine error onto an HTTP status. The body carries
// the same code the WebSocket error packet uses.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	code := errs.Code(err)
	status, ok := codeStatus[code]
	if !ok {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", mw.GetUserID(c)),
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": code})
		return
	}
	body := gin.H{"error": err.Error(), "code": code}
	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		body["error"] = "validation failed"
		body["fields"] = verr.Fields
	}
	c.JSON(status, body)
}

func actorOf(c *gin.Context) quest.Actor {
	id, _ := mw.GetIdentity(c)
	return quest.Actor{ID: id.UserID, Elevated: id.Elevated}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return def
}
