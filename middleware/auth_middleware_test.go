package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	"github.com/questboard/server/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUsers struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUsers) EnsureUser(_ context.Context, id, username, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &model.User{ID: id, Username: username, Email: email}, nil
}

func setupTestCache(t *testing.T) cache.Cache {
	t.Helper()
	b, err := cache.Open(context.Background(), cache.CacheConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.Cache
}

var testSec = config.SecurityConfig{JWTSecret: "secret", ElevatedRoles: []string{"admin"}}

func newProtectedRouter(c cache.Cache, users UserSync, got *Identity) *gin.Engine {
	r := gin.New()
	r.Use(Auth(testSec, c, users, zap.NewNop()))
	r.GET("/protected", func(ctx *gin.Context) {
		if got != nil {
			*got, _ = GetIdentity(ctx)
		}
		ctx.Status(http.StatusOK)
	})
	return r
}

func doGet(r http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_RejectsMissingOrBadToken(t *testing.T) {
	r := newProtectedRouter(setupTestCache(t), nil, nil)

	assert.Equal(t, http.StatusUnauthorized, doGet(r, "/protected", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doGet(r, "/protected", "notavalidtoken").Code)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_SetsIdentity(t *testing.T) {
	var got Identity
	r := newProtectedRouter(setupTestCache(t), nil, &got)

	tok, err := GenerateToken(Identity{UserID: "u-42", Username: "bob", Role: "Admin"}, "secret", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doGet(r, "/protected", tok).Code)

	assert.Equal(t, "u-42", got.UserID)
	assert.Equal(t, "bob", got.Username)
	assert.True(t, got.Elevated)
}

func TestAuth_PlainRoleNotElevated(t *testing.T) {
	var got Identity
	r := newProtectedRouter(setupTestCache(t), nil, &got)

	tok, err := GenerateToken(Identity{UserID: "u-1", Role: "user"}, "secret", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doGet(r, "/protected", tok).Code)
	assert.False(t, got.Elevated)
}

func TestAuth_QueryToken(t *testing.T) {
	var got Identity
	r := newProtectedRouter(setupTestCache(t), nil, &got)

	tok, err := GenerateToken(Identity{UserID: "u-7"}, "secret", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, doGet(r, "/protected?access_token="+tok, "").Code)
	assert.Equal(t, "u-7", got.UserID)
}

func TestAuth_SyncsUserOncePerTTL(t *testing.T) {
	users := &fakeUsers{}
	r := newProtectedRouter(setupTestCache(t), users, nil)

	tok, err := GenerateToken(Identity{UserID: "u-5"}, "secret", time.Hour)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doGet(r, "/protected", tok).Code)
	}
	assert.Equal(t, []string{"u-5"}, users.calls)
}

func TestAuth_SyncFailureIs500(t *testing.T) {
	users := &fakeUsers{err: errors.New("db down")}
	r := newProtectedRouter(setupTestCache(t), users, nil)

	tok, err := GenerateToken(Identity{UserID: "u-5"}, "secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, doGet(r, "/protected", tok).Code)
}

func TestGetIdentity_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetIdentity(c)
	assert.False(t, ok)
	assert.Equal(t, "", GetUserID(c))
}
