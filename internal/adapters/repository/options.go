package repository

import "time"

// Option applies a configuration option to the TreapIndex.
type Option func(*TreapIndex)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *TreapIndex) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithPrioritySource overrides the random source used for treap priorities.
// Tests use it to get a reproducible tree shape.
func WithPrioritySource(next func() uint64) Option {
	return func(s *TreapIndex) {
		if next != nil {
			s.nextPriority = next
		}
	}
}
