package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/questboard/server/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecovery_CatchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(TraceID(), Recovery(zap.New(core)))
	r.GET("/quests/:id", func(c *gin.Context) { panic("nil quest") })

	panics := metrics.Panics.WithLabelValues("/quests/:id")
	before := testutil.ToFloat64(panics)

	req := httptest.NewRequest(http.MethodGet, "/quests/q1", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "trace-123")
	assert.Equal(t, before+1, testutil.ToFloat64(panics))
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRecovery_ClientGoneIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(Recovery(zap.New(core)))
	r.GET("/stream", func(c *gin.Context) {
		panic(fmt.Errorf("write: %w", syscall.EPIPE))
	})

	w := doGet(r, "/stream", "")
	assert.Empty(t, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("client disconnected").Len())
	assert.Zero(t, logs.FilterMessage("panic recovered").Len())
}

func TestRecovery_NoPanicPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, doGet(r, "/ok", "").Code)
}

func TestLogger_LevelsByStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(TraceID(), Logger(zap.New(core), "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/quests", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	doGet(r, "/health", "")
	assert.Zero(t, logs.Len(), "health checks are not logged")

	doGet(r, "/quests", "")
	doGet(r, "/fail", "")
	doGet(r, "/missing", "")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "/quests", entries[0].ContextMap()["route"])
}
