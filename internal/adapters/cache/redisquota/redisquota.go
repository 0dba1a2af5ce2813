// Package redisquota keeps nomination limiter state in Redis so several
// instances share one weekly budget.
package redisquota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/builderscore/internal/domain/model"
)

const (
	defaultPrefix = "builderscore:nominations"
	// Keys outlive their ISO week by a day so late events still see them.
	defaultTTL = 8 * 24 * time.Hour
)

const (
	resultRecorded  = 0
	resultDuplicate = 1
	resultLimited   = 2
)

// reserveScript claims the pair key, then the counter. A rejected attempt
// leaves both untouched.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 1
end
local n = redis.call('INCR', KEYS[2])
if n == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
if n > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[2])
	return 2
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[2])
return 0
`)

// releaseScript drops a held pair key and returns its slot to the counter.
var releaseScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
	return 0
end
local n = tonumber(redis.call('GET', KEYS[2]) or '0')
if n > 0 then
	redis.call('DECR', KEYS[2])
end
return 1
`)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets how long week keys live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Store implements nomination.QuotaStore on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials addr and pings it.
func Connect(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) pairKey(week, nominatorID, nomineeID string) string {
	return fmt.Sprintf("%s:%s:pair:%s:%s", s.prefix, week, nominatorID, nomineeID)
}

func (s *Store) countKey(week, nominatorID string) string {
	return fmt.Sprintf("%s:%s:count:%s", s.prefix, week, nominatorID)
}

// Reserve runs the duplicate and quota checks atomically.
func (s *Store) Reserve(ctx context.Context, week, nominatorID, nomineeID string, quota int) (model.NominationStatus, error) {
	keys := []string{s.pairKey(week, nominatorID, nomineeID), s.countKey(week, nominatorID)}
	res, err := reserveScript.Run(ctx, s.client, keys, quota, s.ttl.Milliseconds()).Int()
	if err != nil {
		return "", fmt.Errorf("redis reserve: %w", err)
	}
	switch res {
	case resultRecorded:
		return model.NominationRecorded, nil
	case resultDuplicate:
		return model.NominationRejectedDuplicate, nil
	case resultLimited:
		return model.NominationRejectedRate, nil
	default:
		return "", fmt.Errorf("redis reserve: unexpected result %d", res)
	}
}

// Release undoes a recorded reservation atomically.
func (s *Store) Release(ctx context.Context, week, nominatorID, nomineeID string) error {
	keys := []string{s.pairKey(week, nominatorID, nomineeID), s.countKey(week, nominatorID)}
	if err := releaseScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
