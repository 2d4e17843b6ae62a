package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application. Every knob has a
// default and is independently overridable via environment variables.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	Enabled        bool
	NumWorkers     int
	MaxConcurrency int
	BatchSize      int
	QueueSize      int

	HandlerTimeout  time.Duration
	Retries         int
	RetryDelay      time.Duration
	FailureStrategy string

	EnableCircuitBreaker    bool
	CircuitBreakerThreshold int
	CircuitBreakerWindow    time.Duration

	EnableProjectionCache bool
	ProjectionCacheTTL    time.Duration

	MaxEventSize       int
	MonitoringInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		Enabled:        getEnvBool("ENABLED", true),
		NumWorkers:     getEnvInt("NUM_WORKERS", 10),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),
		BatchSize:      getEnvInt("BATCH_SIZE", 100),
		QueueSize:      getEnvInt("QUEUE_SIZE", 1000),

		HandlerTimeout:  getEnvDuration("HANDLER_TIMEOUT", 30*time.Second),
		Retries:         getEnvInt("RETRIES", 3),
		RetryDelay:      getEnvDuration("RETRY_DELAY", time.Second),
		FailureStrategy: getEnv("FAILURE_STRATEGY", "retry"),

		EnableCircuitBreaker:    getEnvBool("ENABLE_CIRCUIT_BREAKER", true),
		CircuitBreakerThreshold: getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerWindow:    getEnvDuration("CIRCUIT_BREAKER_WINDOW", 60*time.Second),

		EnableProjectionCache: getEnvBool("ENABLE_PROJECTION_CACHE", true),
		ProjectionCacheTTL:    getEnvDuration("PROJECTION_CACHE_TTL", 5*time.Minute),

		MaxEventSize:       getEnvInt("MAX_EVENT_SIZE", 1<<20),
		MonitoringInterval: getEnvDuration("MONITORING_INTERVAL", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
