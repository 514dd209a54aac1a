package db

import (
	"context"
	"fmt"
	"time"

	"github.com/questboard/server/config"
	dbmysql "github.com/questboard/server/db/mysql"
	dbpostgres "github.com/questboard/server/db/postgres"
	dbsqlite "github.com/questboard/server/db/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModeMySQL    = "mysql"
	ModePostgres = "postgres"
)

// Open returns a *gorm.DB for the configured database mode. SQL is logged
// through log; server databases get the configured pool limits and are
// pinged before Open returns.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.LogSQL {
		level = gormlogger.Info
	}
	gcfg := &gorm.Config{
		Logger:  NewLogger(log, level, cfg.SlowQuery),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Mode {
	case ModeMemory:
		return dbsqlite.OpenMemory(cfg.MemoryName, gcfg)
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath, gcfg)
	case ModeMySQL:
		db, err = dbmysql.Open(cfg.MySQLDSN, gcfg)
	case ModePostgres:
		db, err = dbpostgres.Open(cfg.PostgresDSN, gcfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", cfg.Mode, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.MaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", cfg.Mode, err)
	}
	return db, nil
}
