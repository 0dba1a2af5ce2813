// Package nomination gates peer nominations: one per (nominator, nominee)
// per ISO week, and a weekly quota per nominator.
package nomination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/okian/builderscore/internal/domain/model"
)

// Business rejections reported to the caller. No activity is produced.
var (
	ErrSelfNomination = errors.New("builders cannot nominate themselves")
	ErrUnknownNominee = errors.New("nominee is not a registered builder")
)

// DefaultWeeklyQuota is the per-nominator weekly cap.
const DefaultWeeklyQuota = 5

// WeekBucket returns the ISO-8601 year-week of t in UTC, e.g. "2026-W42".
func WeekBucket(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// QuotaStore holds limiter state. Reserve must apply the duplicate check
// before the quota check and leave no trace when it rejects. Release undoes a
// recorded reservation and is a no-op when none is held.
type QuotaStore interface {
	Reserve(ctx context.Context, week, nominatorID, nomineeID string, quota int) (model.NominationStatus, error)
	Release(ctx context.Context, week, nominatorID, nomineeID string) error
}

// Outcome is the limiter decision for one attempt.
type Outcome struct {
	Status model.NominationStatus
	Week   string
}

// Recorded reports whether the nomination was admitted.
func (o Outcome) Recorded() bool { return o.Status == model.NominationRecorded }

// Option configures a Limiter.
type Option func(*Limiter)

// WithWeeklyQuota sets the per-nominator weekly cap.
func WithWeeklyQuota(quota int) Option {
	return func(l *Limiter) {
		if quota > 0 {
			l.quota = quota
		}
	}
}

// WithQuotaStore replaces the in-memory state backend.
func WithQuotaStore(store QuotaStore) Option {
	return func(l *Limiter) {
		if store != nil {
			l.store = store
		}
	}
}

// Limiter admits or rejects nominations.
type Limiter struct {
	store QuotaStore
	quota int
}

// NewLimiter creates a limiter backed by memory unless overridden.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{store: NewMemoryQuotaStore(), quota: DefaultWeeklyQuota}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit decides a nomination made at time at. Identity checks (self,
// unknown nominee) happen before this call.
func (l *Limiter) Admit(ctx context.Context, nominatorID, nomineeID string, at time.Time) (Outcome, error) {
	if nominatorID == nomineeID {
		return Outcome{}, ErrSelfNomination
	}
	week := WeekBucket(at)
	status, err := l.store.Reserve(ctx, week, nominatorID, nomineeID, l.quota)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve nomination: %w", err)
	}
	return Outcome{Status: status, Week: week}, nil
}

// Release returns a recorded reservation after the nomination could not be
// stored. Rejected outcomes hold nothing and are ignored.
func (l *Limiter) Release(ctx context.Context, nominatorID, nomineeID string, o Outcome) error {
	if !o.Recorded() {
		return nil
	}
	if err := l.store.Release(ctx, o.Week, nominatorID, nomineeID); err != nil {
		return fmt.Errorf("release nomination: %w", err)
	}
	return nil
}

// retainedWeeks is how many of the newest week buckets MemoryQuotaStore keeps.
// The previous week stays so late events still see its state.
const retainedWeeks = 2

type pairKey struct {
	nominator, nominee string
}

type weekState struct {
	pairs  map[pairKey]struct{}
	counts map[string]int
}

// MemoryQuotaStore is the in-process QuotaStore.
type MemoryQuotaStore struct {
	mu    sync.Mutex
	weeks map[string]*weekState
}

// NewMemoryQuotaStore creates an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{weeks: make(map[string]*weekState)}
}

func (m *MemoryQuotaStore) Reserve(_ context.Context, week, nominatorID, nomineeID string, quota int) (model.NominationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.weeks[week]
	if !ok {
		ws = &weekState{pairs: make(map[pairKey]struct{}), counts: make(map[string]int)}
		m.weeks[week] = ws
		m.prune()
	}
	pk := pairKey{nominator: nominatorID, nominee: nomineeID}
	if _, dup := ws.pairs[pk]; dup {
		return model.NominationRejectedDuplicate, nil
	}
	if ws.counts[nominatorID] >= quota {
		return model.NominationRejectedRate, nil
	}
	ws.pairs[pk] = struct{}{}
	ws.counts[nominatorID]++
	return model.NominationRecorded, nil
}

func (m *MemoryQuotaStore) Release(_ context.Context, week, nominatorID, nomineeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.weeks[week]
	if !ok {
		return nil
	}
	pk := pairKey{nominator: nominatorID, nominee: nomineeID}
	if _, held := ws.pairs[pk]; !held {
		return nil
	}
	delete(ws.pairs, pk)
	if ws.counts[nominatorID]--; ws.counts[nominatorID] <= 0 {
		delete(ws.counts, nominatorID)
	}
	return nil
}

// Weeks returns the week buckets currently held, oldest first.
func (m *MemoryQuotaStore) Weeks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.weeks))
	for w := range m.weeks {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// prune drops all but the newest retainedWeeks buckets. Bucket names sort
// chronologically.
func (m *MemoryQuotaStore) prune() {
	if len(m.weeks) <= retainedWeeks {
		return
	}
	names := make([]string, 0, len(m.weeks))
	for w := range m.weeks {
		names = append(names, w)
	}
	slices.Sort(names)
	for _, w := range names[:len(names)-retainedWeeks] {
		delete(m.weeks, w)
	}
}
