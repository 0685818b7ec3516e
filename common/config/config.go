package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
}

// ServiceConfig holds process-level settings
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the trace/node-IO sinks
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings for the bus sink, object store,
// and secrets cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig holds scheduler-tunable settings
type EngineConfig struct {
	MaxConcurrency      int
	SpillThresholdBytes int
	RunTimeout          time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowengine"),
			User:        getEnv("POSTGRES_USER", "flowengine"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowengine"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			MaxConcurrency:      getEnvInt("ENGINE_MAX_CONCURRENCY", 10),
			SpillThresholdBytes: getEnvInt("ENGINE_SPILL_THRESHOLD_BYTES", 100*1024),
			RunTimeout:          getEnvDuration("ENGINE_RUN_TIMEOUT", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("postgres_max_conns must be >= postgres_min_conns")
	}

	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine_max_concurrency must be >= 1")
	}

	if c.Engine.SpillThresholdBytes < 1 {
		return fmt.Errorf("engine_spill_threshold_bytes must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
