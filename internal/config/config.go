package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds service configuration.
type Config struct {
	Env               string
	DatabaseURL       string
	DBMaxConns        int32
	RedisURL          string
	ServerAddr        string
	LogLevel          string
	MigrationsDir     string
	SSEChannel        string
	HeartbeatInterval time.Duration
	RedisOpTimeout    time.Duration
	HandlerTimeout    time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	AutoStartListener bool
	JWTSecret         string
	InternalAPIKey    string
	InternalRateLimit int
}

// Load reads configuration from environment. Outside production a local .env file
// is loaded first; values already present in the environment win.
func Load() (*Config, error) {
	env := getenv("APP_ENV", EnvDevelopment)
	if env != EnvProduction {
		_ = godotenv.Load()
		env = getenv("APP_ENV", EnvDevelopment)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "postgres")
		pass := getenv("POSTGRES_PASSWORD", "postgres")
		db := getenv("POSTGRES_DB", "openportability")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		Env:               env,
		DatabaseURL:       dsn,
		DBMaxConns:        int32(parseInt(getenv("DB_MAX_CONNS", "10"), 10)),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		ServerAddr:        getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		MigrationsDir:     os.Getenv("MIGRATIONS_DIR"),
		SSEChannel:        getenv("SSE_CHANNEL", "sse:events"),
		HeartbeatInterval: parseDuration(getenv("SSE_HEARTBEAT_INTERVAL", "30s"), 30*time.Second),
		RedisOpTimeout:    parseDuration(getenv("REDIS_OP_TIMEOUT", "3s"), 3*time.Second),
		HandlerTimeout:    parseDuration(getenv("NOTIFY_HANDLER_TIMEOUT", "10s"), 10*time.Second),
		BackoffInitial:    parseDuration(getenv("NOTIFY_BACKOFF_INITIAL", "1s"), time.Second),
		BackoffMax:        parseDuration(getenv("NOTIFY_BACKOFF_MAX", "30s"), 30*time.Second),
		AutoStartListener: parseBool(getenv("NOTIFY_AUTOSTART", "true"), true),
		JWTSecret:         os.Getenv("AUTH_JWT_SECRET"),
		InternalAPIKey:    os.Getenv("INTERNAL_API_KEY"),
		InternalRateLimit: parseInt(getenv("INTERNAL_RATE_LIMIT", "60"), 60),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.SSEChannel == "" {
		return fmt.Errorf("SSE_CHANNEL must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("NOTIFY_BACKOFF_INITIAL must be positive and not above NOTIFY_BACKOFF_MAX")
	}
	if c.Env == EnvProduction && c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
