package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the daemon.
type Config struct {
	APIAddr    string // control API bind address
	ListenAddr string // TCP mesh listen address
	Env        string
	DataDir    string

	Name   string // display name announced to peers
	Avatar string

	DatabaseURL string // selects the postgres backend when set
	RedisURL    string // selects the redis backend when set

	Peers []string // mesh addresses to dial at startup

	// Liveness tuning
	PingInterval   time.Duration
	PongGrace      time.Duration
	SweepInterval  time.Duration
	PingMinSpacing time.Duration
	PongMinSpacing time.Duration

	// Friendship / reconciliation policy
	RequestTTL      time.Duration
	ReconcileWindow time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		APIAddr:    getEnv("PEERD_API_ADDR", "127.0.0.1:8420"),
		ListenAddr: getEnv("PEERD_LISTEN_ADDR", ":7420"),
		Env:        getEnv("PEERD_ENV", "development"),
		DataDir:    getEnv("PEERD_DATA_DIR", "./data"),

		Name:   getEnv("PEERD_NAME", "anonymous"),
		Avatar: os.Getenv("PEERD_AVATAR"),

		DatabaseURL: os.Getenv("PEERD_DATABASE_URL"),
		RedisURL:    os.Getenv("PEERD_REDIS_URL"),

		PingInterval:   getDuration("PEERD_PING_INTERVAL", 30*time.Second),
		PongGrace:      getDuration("PEERD_PONG_GRACE", 10*time.Second),
		SweepInterval:  getDuration("PEERD_SWEEP_INTERVAL", 60*time.Second),
		PingMinSpacing: getDuration("PEERD_PING_MIN_SPACING", 10*time.Second),
		PongMinSpacing: getDuration("PEERD_PONG_MIN_SPACING", 5*time.Second),

		RequestTTL:      getDuration("PEERD_REQUEST_TTL", 30*24*time.Hour),
		ReconcileWindow: getDuration("PEERD_RECONCILE_WINDOW", 30*24*time.Hour),
	}

	// Parse peer list (comma-separated mesh addresses)
	if peers := os.Getenv("PEERD_PEERS"); peers != "" {
		for _, entry := range strings.Split(peers, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.Peers = append(cfg.Peers, entry)
			}
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

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
