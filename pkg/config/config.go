// Package config loads aexd's server configuration: the 12-factor
// environment variables that control the listen address, database
// DSN, and recovery/idempotency timing, plus the YAML-defined static
// route table pkg/router needs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds aexd's process-level configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	AdminKey    string

	RecoveryInterval time.Duration
	IdempotencyWait  time.Duration
	IdempotencyPoll  time.Duration
	ReservationTTL   time.Duration

	RoutesFile string

	OTelEnabled  bool
	OTLPEndpoint string
}

// Load reads configuration from environment variables, falling back
// to development-safe defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://aex@localhost:5432/aex?sslmode=disable"),
		AdminKey:    getEnv("AEX_ADMIN_KEY", ""),

		RecoveryInterval: getDuration("AEX_RECOVERY_INTERVAL", 15*time.Second),
		IdempotencyWait:  getDuration("AEX_IDEMPOTENCY_WAIT", 2*time.Second),
		IdempotencyPoll:  getDuration("AEX_IDEMPOTENCY_POLL", 100*time.Millisecond),
		ReservationTTL:   getDuration("AEX_RESERVATION_TTL", 60*time.Second),

		RoutesFile: getEnv("AEX_ROUTES_FILE", "routes.yaml"),

		OTelEnabled:  getEnv("AEX_OTEL_ENABLED", "false") == "true",
		OTLPEndpoint: getEnv("AEX_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
