// Package config loads service configuration from environment variables,
// with a .env file picked up in development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every knob for the gateway, worker, and migrator.
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"givehub"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"dispatch"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Worker
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"500ms"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// Feed API rate limiting (requests per user per window)
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"120"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}
