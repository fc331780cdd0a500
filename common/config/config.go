package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service ServiceConfig
	Store   StoreConfig
	Engine  EngineConfig
	Events  EventsConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// StoreConfig selects and configures the document store backend
type StoreConfig struct {
	// Backend is one of "memory", "mongo", "postgres"
	Backend  string
	MongoURI string
	MongoDB  string

	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	MaxConns         int
	MinConns         int
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	SavePoints        bool
	CacheEnabled      bool
	LockSweepAge      time.Duration
	TimerPollInterval time.Duration
}

// EventsConfig configures the optional Redis event stream bridge
type EventsConfig struct {
	RedisAddr   string
	Stream      string
	MaxLen      int64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Store: StoreConfig{
			Backend:          getEnv("STORE_BACKEND", "memory"),
			MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017"),
			MongoDB:          getEnv("MONGO_DB", "procflow"),
			PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
			PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
			PostgresDB:       getEnv("POSTGRES_DB", "procflow"),
			PostgresUser:     getEnv("POSTGRES_USER", "procflow"),
			PostgresPassword: getEnv("POSTGRES_PASSWORD", "procflow"),
			MaxConns:         getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:         getEnvInt("POSTGRES_MIN_CONNS", 10),
		},
		Engine: EngineConfig{
			SavePoints:        getEnvBool("ENGINE_SAVE_POINTS", false),
			CacheEnabled:      getEnvBool("ENGINE_CACHE_ENABLED", true),
			LockSweepAge:      getEnvDuration("ENGINE_LOCK_SWEEP_AGE", 24*time.Hour),
			TimerPollInterval: getEnvDuration("ENGINE_TIMER_POLL_INTERVAL", time.Second),
		},
		Events: EventsConfig{
			RedisAddr: getEnv("EVENTS_REDIS_ADDR", ""),
			Stream:    getEnv("EVENTS_STREAM", "procflow_events"),
			MaxLen:    int64(getEnvInt("EVENTS_STREAM_MAXLEN", 10000)),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Store.Backend {
	case "memory", "mongo", "postgres":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}

	if c.Store.MaxConns < c.Store.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// PostgresURL returns the PostgreSQL connection string
func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Store.PostgresUser,
		c.Store.PostgresPassword,
		c.Store.PostgresHost,
		c.Store.PostgresPort,
		c.Store.PostgresDB,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
