package sqlite

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open opens an SQLite file in WAL mode.
func Open(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	return open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), gcfg)
}

// OpenMemory opens a named in-memory database. Distinct names give isolated
// databases, which keeps parallel tests apart.
func OpenMemory(name string, gcfg *gorm.Config) (*gorm.DB, error) {
	if name == "" {
		name = "questboard"
	}
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name), gcfg)
}

// SQLite allows a single writer, so the pool is pinned to one connection and
// conditional updates are serialized by the driver. The connection never
// expires; closing it would drop an in-memory database.
func open(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}
