// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers a YAML file and environment variables over the defaults.
package config

import (
	"runtime"
	"time"

	"github.com/okian/builderscore/internal/domain/scoring"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// QueueSize bounds the in-memory activity queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of scoring workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the front deduplication cache.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	// WebhookSecret is the shared HMAC secret of the code host. Empty rejects every delivery.
	WebhookSecret string `koanf:"webhook_secret"`

	// MaxWebhookBodyBytes bounds a single webhook body.
	MaxWebhookBodyBytes int64 `koanf:"max_webhook_body_bytes"`

	// Weights maps "source" or "source.milestone" to points per unit.
	// Filled from the flattened "weights." key space in Load.
	Weights map[string]int64 `koanf:"-"`

	// DefaultWeight is used for keys missing from Weights.
	DefaultWeight int64 `koanf:"default_weight"`

	// EngagementCommands lists chat commands that count as engagement.
	EngagementCommands []string `koanf:"engagement_commands"`

	// NominationWeeklyQuota caps nominations per nominator per ISO week.
	NominationWeeklyQuota int `koanf:"nomination_weekly_quota"`

	// LedgerLockShards sets the number of per-builder lock shards.
	LedgerLockShards int `koanf:"ledger_lock_shards"`

	// LedgerLockTimeout bounds a single lock acquisition attempt.
	LedgerLockTimeout time.Duration `koanf:"ledger_lock_timeout"`

	// LedgerMaxRetries bounds lock acquisition retries.
	LedgerMaxRetries int `koanf:"ledger_max_retries"`

	// LedgerBackoffBase is the first retry delay; it doubles per retry.
	LedgerBackoffBase time.Duration `koanf:"ledger_backoff_base"`

	// RedisAddr enables the Redis nomination quota store when set.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// MongoURI enables the MongoDB store when set.
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`

	// KafkaBrokers enables the chat stream consumer when set.
	KafkaBrokers   []string `koanf:"kafka_brokers"`
	KafkaChatTopic string   `koanf:"kafka_chat_topic"`
	KafkaGroupID   string   `koanf:"kafka_group_id"`

	// RecapSchedule is the cron spec for weekly leaderboard snapshots. Empty disables it.
	RecapSchedule string `koanf:"recap_schedule"`

	// PendingSweepSchedule is the cron spec for re-resolving pending activities.
	PendingSweepSchedule string `koanf:"pending_sweep_schedule"`
}

// DefaultWeights returns the built-in scoring table.
func DefaultWeights() map[string]int64 {
	return scoring.DefaultWeights()
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		ShutdownTimeout:       10 * time.Second,
		QueueSize:             50_000,
		WorkerCount:           runtime.NumCPU() * 2,
		DedupeSize:            100_000,
		MaxLeaderboardLimit:   100,
		MaxWebhookBodyBytes:   1 << 20,
		Weights:               DefaultWeights(),
		DefaultWeight:         0,
		EngagementCommands:    []string{"profile", "score", "leaderboard"},
		NominationWeeklyQuota: 5,
		LedgerLockShards:      64,
		LedgerLockTimeout:     250 * time.Millisecond,
		LedgerMaxRetries:      5,
		LedgerBackoffBase:     10 * time.Millisecond,
		MongoDatabase:         "builderscore",
		KafkaChatTopic:        "chat-interactions",
		KafkaGroupID:          "builderscore",
		RecapSchedule:         "0 9 * * 1",
		PendingSweepSchedule:  "@every 1m",
	}
}
