// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server and audit tool configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache and no event fan-out
	CacheTTL    time.Duration

	EventsChannel string // Redis pub/sub channel for domain events

	KafkaBrokers      []string // empty → webhook ingestion only
	KafkaDepositTopic string
	KafkaGroupID      string

	ShutdownTimeout time.Duration
}

// Load reads the configuration. Files are loaded in order and never
// override variables already set; a missing file is not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		EventsChannel:     getEnv("EVENTS_CHANNEL", "scratch_events"),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaDepositTopic: getEnv("KAFKA_DEPOSIT_TOPIC", "deposits"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "scratch-engine"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
