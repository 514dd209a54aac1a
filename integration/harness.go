package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apirest "github.com/questboard/server/api/rest"
	"github.com/questboard/server/api/sse"
	apiws "github.com/questboard/server/api/ws"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/notify"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/game/quest"
	"github.com/questboard/server/game/rating"
	"github.com/questboard/server/mailer"
	mw "github.com/questboard/server/middleware"
	"github.com/questboard/server/scheduler"
	"github.com/questboard/server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with every quest board subsystem wired
// together the way main.go does it.
type TestServer struct {
	DB         *gorm.DB
	Cache      cache.Cache
	PubSub     cache.PubSub
	Dispatcher *notify.Dispatcher
	Quests     *quest.Service
	Hub        *apiws.Hub
	Sched      *scheduler.Scheduler
	Server     *httptest.Server
	URL        string // http://127.0.0.1:<port>
	WSURL      string // ws://127.0.0.1:<port>/ws
	Sec        config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing. m may
// be nil to disable email.
func NewTestServer(t *testing.T, m mailer.Mailer) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		ElevatedRoles:  []string{"moderator"},
		DevTokens:      true,
	}

	dispatcher := notify.NewDispatcher(db, pubsub, m, notify.Options{}, logger)
	ledger := history.New(db, logger)
	prog := progression.NewService(db, c, logger)
	quests := quest.NewService(db, ledger, prog, dispatcher, logger)
	ratings := rating.NewService(db, ledger, c, time.Minute, logger)
	inbox := notify.NewInbox(db, logger)
	sched := scheduler.New(logger)

	hub := apiws.NewHub(logger)
	wsRouter := apiws.NewRouter(logger)
	apiws.RegisterInboxHandlers(wsRouter, inbox)
	wsH := apiws.NewHandler(pubsub, sec, hub, wsRouter, logger)
	sseH := sse.NewHandler(pubsub, logger)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger), mw.Metrics())
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", mw.IPAllowlist(nil, logger), gin.WrapH(promhttp.Handler()))

	authMW := mw.Auth(sec, c, prog, logger)
	// Public routes are limited per IP, authenticated ones per user.
	limiter := mw.NewRateLimiter(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst)
	scheduler.RegisterRateLimitSweep(sched, limiter, 5*time.Minute, 10*time.Minute)

	api := r.Group("/api")
	apirest.NewAuthHandler(sec, logger).Register(api.Group("", limiter.Middleware()))
	{
		authed := api.Group("", authMW, limiter.Middleware())
		apirest.NewQuestHandler(quests, ledger, logger).Register(authed)
		apirest.NewRatingHandler(ratings, logger).Register(authed)
		apirest.NewProfileHandler(prog, ledger, logger).Register(authed)
		apirest.NewNotificationHandler(inbox, logger).Register(authed)
		apirest.NewAdminHandler(sched, hub, quests, logger).Register(authed)
		authed.GET("/notifications/stream", sseH.ServeSSE)
		authed.POST("/announce", sseH.PostAnnounce)
	}
	r.GET("/ws", authMW, wsH.ServeWS)

	server := httptest.NewServer(r)
	url := server.URL
	ts := &TestServer{
		DB:         db,
		Cache:      c,
		PubSub:     pubsub,
		Dispatcher: dispatcher,
		Quests:     quests,
		Hub:        hub,
		Sched:      sched,
		Server:     server,
		URL:        url,
		WSURL:      "ws" + url[len("http"):] + "/ws",
		Sec:        sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the server and drains the dispatcher. It is registered
// with t.Cleanup by NewTestServer.
func (ts *TestServer) Close() {
	ts.Sched.Stop()
	ts.Hub.CloseAll(time.Second)
	ts.Server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ts.Dispatcher.Stop(ctx)
}

// UniqueID returns a short random id with the given prefix.
func UniqueID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// --- HTTP helpers ---

// Do sends a request with an optional JSON body and Bearer token.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodGet, path, nil, token)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// DevLogin mints a token through the dev token endpoint and registers the
// user by calling /api/me once.
func (ts *TestServer) DevLogin(t *testing.T, username, role string) (token, userID string) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/dev/token", map[string]string{
		"user_id":  username,
		"username": username,
		"email":    username + "@example.com",
		"role":     role,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = result["user_id"].(string)

	me := ts.Get(t, "/api/me", token)
	require.Equal(t, http.StatusOK, me.StatusCode)
	me.Body.Close()
	return token, userID
}

// CreateQuest posts a quest and returns its id.
func (ts *TestServer) CreateQuest(t *testing.T, token string, body map[string]interface{}) string {
	t.Helper()
	resp := ts.PostJSON(t, "/api/quests", body, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		Quest struct {
			ID string `json:"id"`
		} `json:"quest"`
	}
	ReadJSON(t, resp, &result)
	return result.Quest.ID
}
