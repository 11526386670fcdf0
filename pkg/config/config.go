// Package config loads deployment configuration: process-level settings from
// environment variables, and per-tenant operating profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds process configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	SweepIntervalMS int
	ProfilesDir     string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://portarium@localhost:5432/portarium?sslmode=disable"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     dbURL,
		RedisURL:        os.Getenv("REDIS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		SweepIntervalMS: intFromEnv("OUTBOX_SWEEP_INTERVAL_MS", 1000),
		ProfilesDir:     profilesDir,
	}
}

func intFromEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
