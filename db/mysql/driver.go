package mysql

import (
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Open connects to MySQL. The DSN is normalised so DATETIME columns scan
// into time.Time in UTC and text is stored as utf8mb4, whatever the
// operator put in the config file.
func Open(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	return gorm.Open(mysql.New(mysql.Config{
		DSN:               normalized,
		DefaultStringSize: 191,
	}), gcfg)
}

// NormalizeDSN forces parseTime, a UTC location and the utf8mb4 charset.
func NormalizeDSN(dsn string) (string, error) {
	c, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	c.ParseTime = true
	c.Loc = time.UTC
	if c.Params == nil {
		c.Params = map[string]string{}
	}
	if _, ok := c.Params["charset"]; !ok {
		c.Params["charset"] = "utf8mb4"
	}
	return c.FormatDSN(), nil
}
