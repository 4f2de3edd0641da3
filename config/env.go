package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config carries the non-secret runtime settings. Secrets (signing secret,
// bot token, Backlog API key) are resolved through the secrets cache.
type Config struct {
	Port string

	TriggerPhrase string `validate:"required"`

	PubSubProjectID    string `validate:"required"`
	PubSubTopic        string `validate:"required"`
	PubSubSubscription string `validate:"required"`
	PublishTimeout     time.Duration

	BacklogSpace       string `validate:"required,hostname"`
	BacklogProjectID   string `validate:"required"`
	BacklogIssueTypeID string `validate:"required"`
	BacklogPriorityID  string

	WorkerMaxAttempts int `validate:"gte=1"`
	WorkerBaseBackoff time.Duration
	WorkerPoolSize    int `validate:"gte=1"`

	RedisAddress string
}

func init() {
	// Load env from .env
	godotenv.Load()
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:               envDefault("PORT", "8080"),
		TriggerPhrase:      envDefault("SLACK_TRIGGER_PHRASE", "Backlog登録希望"),
		PubSubProjectID:    pubSubProjectID(),
		PubSubTopic:        envDefault("PUBSUB_TOPIC", "backlog-tasks"),
		PubSubSubscription: envDefault("PUBSUB_SUBSCRIPTION", "backlog-worker"),
		PublishTimeout:     time.Duration(IntFromEnv("PUBLISH_TIMEOUT_SECONDS", 5)) * time.Second,
		BacklogSpace:       strings.TrimSpace(os.Getenv("BACKLOG_SPACE")),
		BacklogProjectID:   strings.TrimSpace(os.Getenv("BACKLOG_PROJECT_ID")),
		BacklogIssueTypeID: strings.TrimSpace(os.Getenv("BACKLOG_ISSUE_TYPE_ID")),
		BacklogPriorityID:  envDefault("BACKLOG_PRIORITY_ID", "3"),
		WorkerMaxAttempts:  IntFromEnv("WORKER_MAX_ATTEMPTS", 3),
		WorkerBaseBackoff:  time.Duration(IntFromEnv("WORKER_BASE_BACKOFF_SECONDS", 1)) * time.Second,
		WorkerPoolSize:     IntFromEnv("WORKER_POOL_SIZE", 4),
		RedisAddress:       envDefault("REDIS_ADDRESS", "localhost:6379"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func pubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	// Common fallback.
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
