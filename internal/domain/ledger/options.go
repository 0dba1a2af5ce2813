package ledger

import (
	"time"

	"github.com/okian/builderscore/internal/domain/scoring"
)

// Option configures an Engine.
type Option func(*Engine)

// WithScorer sets the points calculator.
func WithScorer(s scoring.Scorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

// WithNotifier sets the leaderboard that receives score changes.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithLockShards sets the number of builder lock shards.
func WithLockShards(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lockShards = n
		}
	}
}

// WithLockTimeout bounds one lock acquisition attempt.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithMaxRetries bounds lock acquisition retries.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithBackoffBase sets the first retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoffBase = d
		}
	}
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
