package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	// DBDriver selects the message store backend: "sqlite" or "postgres".
	DBDriver    string
	SQLitePath  string
	DatabaseURL string

	// UnreadBackend selects the unread-counter store: "sql" keeps counters in
	// the message store and updates them transactionally with each append;
	// "redis" keeps them in Redis (re-derivable via the reconcile pass).
	UnreadBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret  string
	EncryptKey string

	CORSOrigins []string
	Debug       bool

	// Delivery policy knobs.
	RecallWindow           time.Duration // how long a sender may recall a message
	AdminCanRecall         bool          // group owners/admins may recall members' messages
	MuteSuppressesDelivery bool          // muted members skipped in fan-out entirely
	HistoryPageSize        int
	MaxContentLength       int
	FanoutCacheTTL         time.Duration // membership snapshot cache lifetime

	// WebSocket heartbeat.
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppName: getEnv("APP_NAME", "msghub"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		SQLitePath: getEnv("SQLITE_PATH", "msghub.db"),

		UnreadBackend: getEnv("UNREAD_BACKEND", "sql"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		EncryptKey: os.Getenv("ENCRYPTION_KEY"),

		Debug: getEnvAsBool("DEBUG", true),

		RecallWindow:           getEnvAsDuration("RECALL_WINDOW", 2*time.Minute),
		AdminCanRecall:         getEnvAsBool("ADMIN_CAN_RECALL", false),
		MuteSuppressesDelivery: getEnvAsBool("MUTE_SUPPRESSES_DELIVERY", false),
		HistoryPageSize:        getEnvAsInt("HISTORY_PAGE_SIZE", 20),
		MaxContentLength:       getEnvAsInt("MAX_CONTENT_LENGTH", 5000),
		FanoutCacheTTL:         getEnvAsDuration("FANOUT_CACHE_TTL", 30*time.Second),

		PongWait:   getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
		WriteWait:  getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second),
	}
	cfg.PingPeriod = cfg.PongWait * 9 / 10

	if cfg.DBDriver == "postgres" {
		dbHost := getEnv("POSTGRES_HOST", "localhost")
		dbPort := getEnv("POSTGRES_PORT", "5432")
		dbUser := getEnv("POSTGRES_USER", "postgres")
		dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
		dbName := getEnv("POSTGRES_DB", "msghub")

		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dbUser, dbPass),
			Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
			Path:     dbName,
			RawQuery: "sslmode=disable",
		}
		cfg.DatabaseURL = u.String()
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	switch cfg.UnreadBackend {
	case "sql", "redis":
	default:
		return nil, fmt.Errorf("UNREAD_BACKEND must be sql or redis, got %q", cfg.UnreadBackend)
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
