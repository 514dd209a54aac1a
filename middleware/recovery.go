package middleware

import (
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/metrics"
	"go.uber.org/zap"
)

// Recovery catches handler panics. A panic caused by the client hanging up
// mid-response is logged at warn and the request is aborted without a body;
// anything else is counted, logged with a stack and answered with a 500
// carrying the trace id.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := []zap.Field{
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("user_id", GetUserID(c)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			}
			if err, ok := r.(error); ok && isClientGone(err) {
				log.Warn("client disconnected", fields...)
				c.Abort()
				return
			}

			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.Panics.WithLabelValues(route).Inc()
			log.Error("panic recovered", append(fields, zap.Stack("stack"))...)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":    "internal server error",
				"trace_id": GetTraceID(c),
			})
		}()
		c.Next()
	}
}

func isClientGone(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		return errors.As(opErr.Err, &sysErr)
	}
	return false
}
