package replay

import "time"

// Config holds configuration for a replay run.
type Config struct {
	BaseURL          string        // Base URL of the service
	Secret           string        // Webhook signing secret shared with the service
	Repository       string        // Repository full name used in push payloads
	Builders         int           // Number of synthetic builders
	PushesPerBuilder int           // Push deliveries generated per builder
	MaxCommits       int           // Upper bound of commits per push
	DuplicateRate    float64       // Fraction of deliveries sent twice
	CommitWeight     int64         // Points the service awards per commit
	Workers          int           // Number of concurrent requests
	Timeout          time.Duration // HTTP request timeout
	Settle           time.Duration // How long to wait for scores to converge
	PollInterval     time.Duration // Delay between convergence checks
	TopN             int           // Number of leaderboard entries to verify
	Seed             uint64        // Seed for the delivery plan
	RunTag           string        // Distinguishes usernames across runs
	Verbose          bool          // Log every mismatch
}

// Default configuration values.
const (
	DefaultBuilders         = 50
	DefaultPushesPerBuilder = 20
	DefaultMaxCommits       = 5
	DefaultDuplicateRate    = 0.2
	DefaultCommitWeight     = 1
	DefaultTimeout          = 10 * time.Second
	DefaultSettle           = 30 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultTopN             = 25
	DefaultRepository       = "replay/load"
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.Repository == "" {
		out.Repository = DefaultRepository
	}
	if out.Builders <= 0 {
		out.Builders = DefaultBuilders
	}
	if out.PushesPerBuilder <= 0 {
		out.PushesPerBuilder = DefaultPushesPerBuilder
	}
	if out.MaxCommits <= 0 {
		out.MaxCommits = DefaultMaxCommits
	}
	if out.DuplicateRate < 0 {
		out.DuplicateRate = 0
	}
	if out.CommitWeight <= 0 {
		out.CommitWeight = DefaultCommitWeight
	}
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Settle <= 0 {
		out.Settle = DefaultSettle
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.TopN <= 0 {
		out.TopN = DefaultTopN
	}
	return out
}

// Stats holds replay statistics.
type Stats struct {
	Builders          int
	Deliveries        int
	Resent            int
	Accepted          int
	Duplicates        int
	Retries           int
	Failed            int
	CaughtUp          int
	Mismatches        int
	LeaderboardChecks int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
