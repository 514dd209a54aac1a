package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/api/rest"
	"github.com/questboard/server/config"
	"github.com/questboard/server/game/history"
	"github.com/questboard/server/game/notify"
	"github.com/questboard/server/game/progression"
	"github.com/questboard/server/game/quest"
	"github.com/questboard/server/game/rating"
	mw "github.com/questboard/server/middleware"
	"github.com/questboard/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSec = config.SecurityConfig{
	JWTSecret:     "test-secret",
	ElevatedRoles: []string{"moderator"},
	DevTokens:     true,
}

type testServer struct {
	r  *gin.Engine
	db *gorm.DB
}

func newServer(t *testing.T) *testServer {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	ledger := history.New(db, logger)
	prog := progression.NewService(db, c, logger)
	quests := quest.NewService(db, ledger, prog, nil, logger)
	ratings := rating.NewService(db, ledger, c, time.Minute, logger)
	inbox := notify.NewInbox(db, logger)

	r := gin.New()
	api := r.Group("/api")
	rest.NewAuthHandler(testSec, logger).Register(api)
	authed := api.Group("", mw.Auth(testSec, c, prog, logger))
	rest.NewQuestHandler(quests, ledger, logger).Register(authed)
	rest.NewRatingHandler(ratings, logger).Register(authed)
	rest.NewProfileHandler(prog, ledger, logger).Register(authed)
	rest.NewNotificationHandler(inbox, logger).Register(authed)
	return &testServer{r: r, db: db}
}

func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := mw.GenerateToken(mw.Identity{
		UserID:   userID,
		Username: userID,
		Email:    userID + "@example.com",
		Role:     role,
	}, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func doRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createQuest(t *testing.T, s *testServer, token string, body map[string]interface{}) string {
	t.Helper()
	w := doRequest(s.r, http.MethodPost, "/api/quests", body, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	q := decode(t, w)["quest"].(map[string]interface{})
	return q["id"].(string)
}

func TestQuestAPI_RequiresToken(t *testing.T) {
	s := newServer(t)
	w := doRequest(s.r, http.MethodGet, "/api/quests", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQuestAPI_CreateAndGet(t *testing.T) {
	s := newServer(t)
	tok := tokenFor(t, "alice", "")

	id := createQuest(t, s, tok, map[string]interface{}{
		"title":       "  Slay the Slime  ",
		"description": "It lives under the bridge",
		"difficulty":  "D",
		"tags":        []string{"combat"},
	})

	w := doRequest(s.r, http.MethodGet, "/api/quests/"+id, nil, tok)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode(t, w)["quest"].(map[string]interface{})
	assert.Equal(t, "Slay the Slime", q["title"])
	assert.Equal(t, "slay-the-slime", q["slug"])
	assert.Equal(t, "available", q["status"])
	assert.Equal(t, "alice", q["created_by"])
}

func TestQuestAPI_ValidationFields(t *testing.T) {
	s := newServer(t)
	w := doRequest(s.r, http.MethodPost, "/api/quests", map[string]interface{}{
		"title":      "",
		"difficulty": "Z",
	}, tokenFor(t, "alice", ""))
	require.Equal(t, http.StatusBadRequest, w.Code)

	fields := decode(t, w)["fields"].([]interface{})
	var names []string
	for _, f := range fields {
		names = append(names, f.(map[string]interface{})["field"].(string))
	}
	assert.Contains(t, names, "title")
	assert.Contains(t, names, "difficulty")
	assert.Equal(t, "validation", decode(t, w)["code"])
}

func TestQuestAPI_Lifecycle(t *testing.T) {
	s := newServer(t)
	alice := tokenFor(t, "alice", "")
	bob := tokenFor(t, "bob", "")

	id := createQuest(t, s, alice, map[string]interface{}{
		"title": "Fetch water", "description": "From the well", "difficulty": "E",
	})

	w := doRequest(s.r, http.MethodPost, "/api/quests/"+id+"/accept", nil, alice)
	assert.Equal(t, http.StatusForbidden, w.Code, "own quest")

	w = doRequest(s.r, http.MethodPost, "/api/quests/"+id+"/accept", nil, bob)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(s.r, http.MethodPost, "/api/quests/"+id+"/accept", nil, bob)
	assert.Equal(t, http.StatusConflict, w.Code, "already in progress")

	w = doRequest(s.r, http.MethodPost, "/api/quests/"+id+"/complete", nil, alice)
	assert.Equal(t, http.StatusForbidden, w.Code, "not the acceptor")

	w = doRequest(s.r, http.MethodPost, "/api/quests/"+id+"/complete", nil, bob)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "completed", resp["quest"].(map[string]interface{})["status"])
	progress := resp["progress"].(map[string]interface{})
	assert.Equal(t, float64(10), progress["points"])

	w = doRequest(s.r, http.MethodGet, "/api/quests/"+id+"/history", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["history"].([]interface{})
	require.Len(t, entries, 3)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.(map[string]interface{})["action"].(string))
	}
	assert.Equal(t, []string{"created", "accepted", "completed"}, actions)
}

func TestQuestAPI_UnknownQuest(t *testing.T) {
	s := newServer(t)
	w := doRequest(s.r, http.MethodPost, "/api/quests/missing/accept", nil, tokenFor(t, "bob", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["code"])
}

func TestQuestAPI_UpdateAndDelete(t *testing.T) {
	s := newServer(t)
	alice := tokenFor(t, "alice", "")
	id := createQuest(t, s, alice, map[string]interface{}{
		"title": "Guard the gate", "description": "Night shift", "difficulty": "C",
	})

	w := doRequest(s.r, http.MethodPatch, "/api/quests/"+id, map[string]interface{}{"title": "Hijack"}, tokenFor(t, "bob", ""))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(s.r, http.MethodPatch, "/api/quests/"+id, map[string]interface{}{"title": "Guard the north gate"}, tokenFor(t, "mod", "moderator"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Guard the north gate", decode(t, w)["quest"].(map[string]interface{})["title"])

	w = doRequest(s.r, http.MethodDelete, "/api/quests/"+id, nil, alice)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(s.r, http.MethodGet, "/api/quests/"+id, nil, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// history outlives the quest
	w = doRequest(s.r, http.MethodGet, "/api/quests/"+id+"/history", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["history"].([]interface{}), 3)
}

func TestQuestAPI_ListFilters(t *testing.T) {
	s := newServer(t)
	alice := tokenFor(t, "alice", "")
	createQuest(t, s, alice, map[string]interface{}{"title": "A", "description": "a", "difficulty": "E", "category": "delivery"})
	createQuest(t, s, alice, map[string]interface{}{"title": "B", "description": "b", "difficulty": "S", "category": "combat"})
	createQuest(t, s, alice, map[string]interface{}{"title": "C", "description": "c", "difficulty": "S", "category": "combat"})

	w := doRequest(s.r, http.MethodGet, "/api/quests?difficulty=S&limit=1", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["total"])
	assert.Len(t, resp["quests"].([]interface{}), 1)
}

func TestDevToken(t *testing.T) {
	s := newServer(t)
	w := doRequest(s.r, http.MethodPost, "/api/dev/token", map[string]string{"username": "carol"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	tok := resp["token"].(string)
	assert.NotEmpty(t, resp["user_id"])

	w = doRequest(s.r, http.MethodGet, "/api/me", nil, tok)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "carol", user["username"])
}

func TestDevToken_DisabledByDefault(t *testing.T) {
	r := gin.New()
	rest.NewAuthHandler(config.SecurityConfig{JWTSecret: "x"}, zap.NewNop()).Register(r.Group("/api"))
	w := doRequest(r, http.MethodPost, "/api/dev/token", map[string]string{"username": "carol"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
