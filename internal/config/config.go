package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // PostgreSQL archive; empty disables it
	SQLitePath  string // SQLite archive fallback when DatabaseURL is empty
	RedisURL    string // Redis content store; empty keeps blobs in memory

	// Session policy defaults
	RequireApprovalFor []string // tool categories gated by default, or "all"
	GateTimeout        time.Duration
	HeartbeatInterval  time.Duration
	IdleTimeout        time.Duration
	AwayTimeout        time.Duration
	MaxParticipants    int
	SweepInterval      time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          os.Getenv("REDIS_URL"),
		GateTimeout:       getDuration("GATE_TIMEOUT_SECONDS", 300),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL_SECONDS", 15),
		IdleTimeout:       getDuration("IDLE_TIMEOUT_SECONDS", 120),
		AwayTimeout:       getDuration("AWAY_TIMEOUT_SECONDS", 600),
		MaxParticipants:   getInt("MAX_PARTICIPANTS", 16),
		SweepInterval:     getDuration("SWEEP_INTERVAL_SECONDS", 5),
	}

	// Parse gated categories (comma-separated, or the literal "all")
	categories := getEnv("REQUIRE_APPROVAL_FOR", "shell,file_write,commit")
	for _, entry := range strings.Split(categories, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			cfg.RequireApprovalFor = append(cfg.RequireApprovalFor, entry)
		}
	}

	// In production, require a durable archive
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
			panic("DATABASE_URL or SQLITE_PATH is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getInt(key, defaultSeconds)) * time.Second
}
