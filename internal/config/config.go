// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr    string
	DatabaseURL   string
	RedisURL      string
	WebhookSecret string
}

// Load reads configuration. A missing .env file is fine; a missing
// DATABASE_URL is not.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:    getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
