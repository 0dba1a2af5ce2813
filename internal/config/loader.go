package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

const (
	envPrefix     = "BUILDERSCORE_"
	envConfigPath = "BUILDERSCORE_CONFIG"
	weightsPrefix = "weights."

	envWeightsPrefix = "weights_"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if BUILDERSCORE_CONFIG is set
//  3. env (prefix BUILDERSCORE_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// BUILDERSCORE_QUEUE_SIZE -> queue_size (flat keys, underscores kept).
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, strings.ToLower(envPrefix))
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	cfg.Weights = maps.Clone(base.Weights)
	cfg.EngagementCommands = slices.Clone(base.EngagementCommands)
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// Weight keys contain the koanf delimiter, so read them back flattened.
	all := k.All()
	for key := range all {
		if name, ok := strings.CutPrefix(key, weightsPrefix); ok {
			cfg.Weights[name] = k.Int64(key)
		}
	}
	// BUILDERSCORE_WEIGHTS_CODE_PR_MERGED -> weights_code_pr_merged. Env names
	// cannot carry dots, so match known keys with dots read as underscores.
	for key, val := range all {
		name, ok := strings.CutPrefix(key, envWeightsPrefix)
		if !ok || name == "" {
			continue
		}
		w, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(val)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, key, err)
		}
		cfg.Weights[weightKey(cfg.Weights, name)] = w
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// weightKey maps an env-style weight name onto an existing key. A double
// underscore stands for a dot when no key matches.
func weightKey(weights map[string]int64, name string) string {
	if _, ok := weights[name]; ok {
		return name
	}
	for known := range weights {
		if strings.ReplaceAll(known, ".", "_") == name {
			return known
		}
	}
	return strings.ReplaceAll(name, "__", ".")
}

// Validate checks invariants the rest of the service relies on.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.MaxLeaderboardLimit <= 0:
		return fmt.Errorf("%w: max_leaderboard_limit must be positive", ErrInvalidConfig)
	case c.MaxWebhookBodyBytes <= 0:
		return fmt.Errorf("%w: max_webhook_body_bytes must be positive", ErrInvalidConfig)
	case c.NominationWeeklyQuota <= 0:
		return fmt.Errorf("%w: nomination_weekly_quota must be positive", ErrInvalidConfig)
	case c.LedgerLockShards <= 0:
		return fmt.Errorf("%w: ledger_lock_shards must be positive", ErrInvalidConfig)
	case c.LedgerLockTimeout <= 0:
		return fmt.Errorf("%w: ledger_lock_timeout must be positive", ErrInvalidConfig)
	case c.LedgerMaxRetries < 0:
		return fmt.Errorf("%w: ledger_max_retries must not be negative", ErrInvalidConfig)
	case len(c.KafkaBrokers) > 0 && c.KafkaChatTopic == "":
		return fmt.Errorf("%w: kafka_chat_topic is required with kafka_brokers", ErrInvalidConfig)
	}
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("%w: weight %q must not be negative", ErrInvalidConfig, name)
		}
	}
	for key, spec := range map[string]string{
		"recap_schedule":         c.RecapSchedule,
		"pending_sweep_schedule": c.PendingSweepSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%w: %w: %s %q: %w", ErrInvalidConfig, ErrInvalidSchedule, key, spec, err)
		}
	}
	return nil
}
