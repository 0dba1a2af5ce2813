package service

import (
	"time"

	"github.com/okian/builderscore/internal/adapters/repository"
	"github.com/okian/builderscore/internal/domain/ledger"
	"github.com/okian/builderscore/internal/domain/nomination"
	"github.com/okian/builderscore/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the activity queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the delivery dedupe cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWebhookSecret sets the shared HMAC secret for code-host deliveries.
func WithWebhookSecret(secret string) Option {
	return func(s *Service) {
		s.webhookSecret = secret
	}
}

// WithWeights sets the scoring table and the weight for unknown keys.
func WithWeights(weights map[string]int64, defaultWeight int64) Option {
	return func(s *Service) {
		if len(weights) > 0 {
			s.weights = weights
		}
		s.defaultWeight = defaultWeight
	}
}

// WithEngagementCommands sets the chat commands that count as engagement.
func WithEngagementCommands(names ...string) Option {
	return func(s *Service) {
		s.engagement = names
	}
}

// WithNominationQuota sets the weekly nominations per nominator.
func WithNominationQuota(quota int) Option {
	return func(s *Service) {
		if quota > 0 {
			s.nominationQuota = quota
		}
	}
}

// WithQuotaStore sets a shared limiter backend such as Redis.
func WithQuotaStore(store nomination.QuotaStore) Option {
	return func(s *Service) {
		s.quotaStore = store
	}
}

// WithLedgerOptions passes lock and retry settings to the score engine.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(s *Service) {
		s.ledgerOpts = append(s.ledgerOpts, opts...)
	}
}

// WithMaxLeaderboardLimit caps leaderboard page sizes.
func WithMaxLeaderboardLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxLimit = limit
		}
	}
}

// WithSchedules sets the cron specs for the recap snapshot and the pending
// sweep. An empty spec disables that job.
func WithSchedules(recap, sweep string) Option {
	return func(s *Service) {
		s.recapSchedule = recap
		s.sweepSchedule = sweep
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIndex replaces the in-memory treap leaderboard. The service closes it on
// Stop.
func WithIndex(index repository.Index) Option {
	return func(s *Service) {
		s.customIndex = index
	}
}
