package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
)

const IdentityKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Username string
	Email    string
	Role     string
	Elevated bool
}

// UserSync creates or refreshes the local user row for a token subject.
type UserSync interface {
	EnsureUser(ctx context.Context, id, username, email string) (*model.User, error)
}

// seenTTL bounds how often a token subject is re-synced to the users table.
const seenTTL = 10 * time.Minute

// Auth validates the Bearer JWT and stores the caller's Identity. The first
// request of a subject (per seenTTL, tracked in c) syncs its user row.
func Auth(sec config.SecurityConfig, c cache.Cache, users UserSync, log *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenStr := bearerToken(ctx)
		if tokenStr == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret, parserOptions(sec)...)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		id := Identity{
			UserID:   claims.Subject,
			Username: claims.Username,
			Email:    claims.Email,
			Role:     claims.Role,
			Elevated: sec.IsElevated(claims.Role),
		}

		if users != nil {
			seenKey := "user:seen:" + id.UserID
			cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
			defer cancel()
			if c == nil {
				err = syncUser(cacheCtx, users, id)
			} else if _, getErr := c.Get(cacheCtx, seenKey); getErr != nil {
				if err = syncUser(cacheCtx, users, id); err == nil {
					_ = c.Set(cacheCtx, seenKey, "1", seenTTL)
				}
			}
			if err != nil {
				log.Error("user sync failed", zap.String("user_id", id.UserID), zap.Error(err))
				ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
		}

		ctx.Set(IdentityKey, id)
		ctx.Next()
	}
}

func syncUser(ctx context.Context, users UserSync, id Identity) error {
	_, err := users.EnsureUser(ctx, id.UserID, id.Username, id.Email)
	return err
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for EventSource and WebSocket clients that
// cannot set headers.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("access_token")
}

// GetIdentity retrieves the authenticated caller from the Gin context.
func GetIdentity(c *gin.Context) (Identity, bool) {
	if v, exists := c.Get(IdentityKey); exists {
		id, ok := v.(Identity)
		return id, ok
	}
	return Identity{}, false
}

// GetUserID returns the authenticated user id, or "" if unauthenticated.
func GetUserID(c *gin.Context) string {
	id, _ := GetIdentity(c)
	return id.UserID
}
