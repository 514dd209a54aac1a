package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Mail     MailConfig     `mapstructure:"mail"`
	Quest    QuestConfig    `mapstructure:"quest"`
}

type ServerConfig struct {
	Port  int  `mapstructure:"port"`
	Debug bool `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Mode        string        `mapstructure:"mode"` // memory | sqlite | mysql | postgres
	MemoryName  string        `mapstructure:"memory_name"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	MySQLDSN    string        `mapstructure:"mysql_dsn"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLife     time.Duration `mapstructure:"max_life"`
	// SlowQuery logs statements slower than this at warn level. Zero disables it.
	SlowQuery time.Duration `mapstructure:"slow_query"`
	LogSQL    bool          `mapstructure:"log_sql"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string  `mapstructure:"jwt_secret"`
	// JWTIssuer, when set, must match the iss claim of every token.
	JWTIssuer      string  `mapstructure:"jwt_issuer"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// ElevatedRoles lists token roles that may edit or delete any quest.
	ElevatedRoles []string `mapstructure:"elevated_roles"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MetricsAllowlist lists IPs or CIDRs allowed to scrape /metrics.
	// Empty allows everyone.
	MetricsAllowlist []string `mapstructure:"metrics_allowlist"`
	// DevTokens enables POST /api/dev/token for local testing.
	DevTokens bool `mapstructure:"dev_tokens"`
}

type NotifyConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	PushTimeout time.Duration `mapstructure:"push_timeout"`
	MailTimeout time.Duration `mapstructure:"mail_timeout"`
	// push and email pool, separate from the persisting worker
	SideWorkers   int `mapstructure:"side_workers"`
	SideQueueSize int `mapstructure:"side_queue_size"`
	BatchSize     int `mapstructure:"batch_size"`
}

type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	BaseURL  string `mapstructure:"base_url"`
}

type QuestConfig struct {
	OverdueSweepInterval       time.Duration `mapstructure:"overdue_sweep_interval"`
	LeaderboardRefreshInterval time.Duration `mapstructure:"leaderboard_refresh_interval"`
	StatsCacheTTL              time.Duration `mapstructure:"stats_cache_ttl"`
}

// Load reads config from the given YAML file path. Every key can be
// overridden from the environment, e.g. QUESTBOARD_DATABASE_MODE=postgres.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("questboard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.memory_name", "questboard")
	v.SetDefault("database.sqlite_path", "./data/questboard.db")
	v.SetDefault("database.mysql_dsn", "")
	v.SetDefault("database.postgres_dsn", "")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("database.log_sql", false)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "questboard:")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_issuer", "")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.elevated_roles", []string{"admin", "moderator"})
	v.SetDefault("security.allowed_origins", []string{})
	v.SetDefault("security.metrics_allowlist", []string{})
	v.SetDefault("security.dev_tokens", false)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.push_timeout", "2s")
	v.SetDefault("notify.mail_timeout", "10s")
	v.SetDefault("notify.side_workers", 4)
	v.SetDefault("notify.side_queue_size", 4096)
	v.SetDefault("notify.batch_size", 500)
	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "noreply@questboard.local")
	v.SetDefault("mail.base_url", "http://localhost:8080")
	v.SetDefault("quest.overdue_sweep_interval", "1m")
	v.SetDefault("quest.leaderboard_refresh_interval", "10m")
	v.SetDefault("quest.stats_cache_ttl", "5m")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsElevated reports whether a token role grants elevated privilege.
func (s SecurityConfig) IsElevated(role string) bool {
	for _, r := range s.ElevatedRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
