package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/config"
	dbadapter "github.com/questboard/server/db"
	"github.com/questboard/server/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates an isolated in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(context.Background(), config.DatabaseConfig{
		Mode:       dbadapter.ModeMemory,
		MemoryName: "test_" + uuid.NewString(),
	}, zap.NewNop())
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	sqlDB, err := db.DB()
	require.NoError(t, err, "SetupTestDB: DB")
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// SetupTestCache opens an in-process cache backend (no Redis required) and
// closes it when the test ends.
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	b, err := cache.Open(context.Background(), cache.CacheConfig{})
	require.NoError(t, err, "SetupTestCache: Open")
	t.Cleanup(func() { _ = b.Close() })
	return b.Cache, b.PubSub
}

// CreateUser inserts an active user at level 1.
func CreateUser(t *testing.T, db *gorm.DB, id string) *model.User {
	t.Helper()
	u := &model.User{
		ID:              id,
		Username:        id,
		Email:           id + "@example.com",
		Active:          true,
		NotifyNewQuests: true,
		Level:           1,
	}
	require.NoError(t, db.Create(u).Error, "CreateUser")
	return u
}
