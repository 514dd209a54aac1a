package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ApplicationName is reported to the server unless the DSN sets its own.
const ApplicationName = "questboard"

// Open connects to PostgreSQL through pgx's database/sql adapter. The DSN is
// parsed up front so a malformed config fails before any dial.
func Open(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	connCfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gcfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// ParseDSN parses a URL or key/value DSN and fills in the application name.
func ParseDSN(dsn string) (*pgx.ConnConfig, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	if connCfg.RuntimeParams["application_name"] == "" {
		connCfg.RuntimeParams["application_name"] = ApplicationName
	}
	return connCfg, nil
}
