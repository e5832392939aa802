package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	PersistencePostgres = "postgres"
	PersistenceMemory   = "memory"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Persistence selects the update log backend: postgres or memory
	Persistence string
	// RedisAddr enables the cross-instance relay when set
	RedisAddr string

	JWTSecret          string
	AllowAnonymousEdit bool

	// Worker pool configuration
	PersistenceWorkers   int
	PersistenceQueueSize int

	PushKeepAlive time.Duration
	PushBuffer    int
	// PushIdleGrace is how long fallback presence outlives its push stream
	PushIdleGrace time.Duration

	// Observability
	JaegerEndpoint string
	TracingEnabled bool
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "docsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		Persistence: getEnv("PERSISTENCE", PersistencePostgres),
		RedisAddr:   getEnv("REDIS_ADDR", ""),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		AllowAnonymousEdit: getEnvBool("ALLOW_ANONYMOUS_EDIT", false),

		PersistenceWorkers:   getEnvInt("PERSISTENCE_WORKERS", 4),
		PersistenceQueueSize: getEnvInt("PERSISTENCE_QUEUE_SIZE", 256),

		PushKeepAlive: getEnvDuration("PUSH_KEEPALIVE", 25*time.Second),
		PushBuffer:    getEnvInt("PUSH_BUFFER", 64),
		PushIdleGrace: getEnvDuration("PUSH_IDLE_GRACE", 15*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Persistence != PersistencePostgres && cfg.Persistence != PersistenceMemory {
		return nil, fmt.Errorf("PERSISTENCE must be %q or %q, got %q",
			PersistencePostgres, PersistenceMemory, cfg.Persistence)
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
