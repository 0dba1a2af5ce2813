// Package service wires ingestion, identity, the score engine and the
// leaderboard together and implements the dependencies of the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/builderscore/internal/adapters/mq/queue"
	"github.com/okian/builderscore/internal/adapters/mq/worker"
	"github.com/okian/builderscore/internal/adapters/repository"
	"github.com/okian/builderscore/internal/adapters/schedule"
	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/dedupe"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/internal/domain/ledger"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/nomination"
	"github.com/okian/builderscore/internal/domain/scoring"
	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

// Scheduled job names.
const (
	JobRecap        = "recap_snapshot"
	JobPendingSweep = "pending_sweep"
)

// Service implements the API dependencies for the builder leaderboard.
type Service struct {
	mu sync.RWMutex

	store      storage.Store
	index      repository.Index
	deduper    dedupe.Deduper
	queue      *queue.InMemoryQueue
	pool       *worker.Pool
	normalizer *ingest.Normalizer
	resolver   *identity.Resolver
	engine     *ledger.Engine
	limiter    *nomination.Limiter
	scheduler  *schedule.Scheduler

	workerCount     int
	queueSize       int
	dedupeSize      int
	maxLimit        int
	nominationQuota int
	webhookSecret   string
	weights         map[string]int64
	defaultWeight   int64
	engagement      []string
	quotaStore      nomination.QuotaStore
	customIndex     repository.Index
	ledgerOpts      []ledger.Option
	recapSchedule   string
	sweepSchedule   string
	now             func() time.Time

	started bool
	logger  logger.Logger
}

// New constructs a Service over store. Start must be called before use.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		workerCount:     runtime.NumCPU() * 2,
		queueSize:       50_000,
		dedupeSize:      100_000,
		maxLimit:        100,
		nominationQuota: nomination.DefaultWeeklyQuota,
		weights:         scoring.DefaultWeights(),
		engagement:      []string{ingest.CommandProfile, ingest.CommandScore, ingest.CommandLeaderboard},
		recapSchedule:   "0 9 * * 1",
		sweepSchedule:   "@every 1m",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the components, rebuilds the leaderboard from the store and
// starts the workers and the scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}
	s.logger.Info(ctx, "starting builder score service...")

	limiterOpts := []nomination.Option{nomination.WithWeeklyQuota(s.nominationQuota)}
	if s.quotaStore != nil {
		limiterOpts = append(limiterOpts, nomination.WithQuotaStore(s.quotaStore))
	}

	s.index = s.customIndex
	if s.index == nil {
		s.index = repository.NewTreapIndex(ctx)
	}
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.normalizer = ingest.NewNormalizer(ingest.WithEngagementCommands(s.engagement...))
	s.resolver = identity.NewResolver(s.store, s.store, identity.WithClock(s.now))
	s.limiter = nomination.NewLimiter(limiterOpts...)
	s.engine = ledger.NewEngine(s.store, append([]ledger.Option{
		ledger.WithScorer(scoring.NewTableScorer(scoring.WithWeights(s.weights), scoring.WithDefaultWeight(s.defaultWeight))),
		ledger.WithNotifier(s.index),
		ledger.WithClock(s.now),
	}, s.ledgerOpts...)...)

	if err := s.rebuildIndex(ctx); err != nil {
		_ = s.index.Close()
		return fmt.Errorf("rebuild leaderboard: %w", err)
	}

	s.scheduler = schedule.New()
	if err := s.registerJobs(); err != nil {
		_ = s.index.Close()
		return err
	}

	s.pool = worker.NewPool(s.workerCount, s.queue, activityProcessor{s: s})
	s.pool.Start(ctx)
	s.scheduler.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "builder score service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Int("rankedBuilders", s.index.Count(ctx)),
	)
	return nil
}

func (s *Service) registerJobs() error {
	if s.recapSchedule != "" {
		err := s.scheduler.Register(JobRecap, s.recapSchedule, func(ctx context.Context) error {
			_, err := s.TakeSnapshot(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	if s.sweepSchedule != "" {
		err := s.scheduler.Register(JobPendingSweep, s.sweepSchedule, func(ctx context.Context) error {
			_, err := s.SweepPending(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rebuildIndex(ctx context.Context) error {
	builders, err := s.store.ListBuilders(ctx)
	if err != nil {
		return err
	}
	for _, b := range builders {
		if _, err := s.engine.Refresh(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains the queue and releases the components.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping builder score service...")

	s.scheduler.Stop()
	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, err)
	}

	s.started = false
	s.logger.Info(ctx, "builder score service stopped")
	return errors.Join(errs...)
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Retryable reports whether err is transient: the caller may redeliver.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ledger.ErrLedgerContention) ||
		errors.Is(err, ErrNotStarted)
}

// activityProcessor adapts the service to worker.Processor.
type activityProcessor struct {
	s *Service
}

func (p activityProcessor) Process(ctx context.Context, a model.Activity) error {
	return p.s.score(ctx, a)
}

// score resolves and applies one activity. Unresolvable code activities stay
// parked until their author links.
func (s *Service) score(ctx context.Context, a model.Activity) error {
	b, err := s.resolver.Resolve(ctx, a)
	switch {
	case errors.Is(err, identity.ErrUnresolvedAttribution):
		metrics.RecordPendingAttribution()
		s.logger.Debug(ctx, "activity parked until its author links",
			logger.String("activity_id", a.ID),
			logger.String("author", a.Author))
		return nil
	case err != nil:
		return fmt.Errorf("resolve: %w", err)
	}

	a.BuilderID = b.ID
	if _, err := s.engine.Apply(ctx, a); err != nil {
		if errors.Is(err, ledger.ErrLedgerContention) && s.queue.Enqueue(ctx, a) {
			s.logger.Warn(ctx, "activity requeued after ledger contention", logger.String("activity_id", a.ID))
			return nil
		}
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

// applyAll scores already-attributed activities in order and returns how many
// moved a ledger.
func (s *Service) applyAll(ctx context.Context, acts []model.Activity) (int, error) {
	applied := 0
	var errs []error
	for _, a := range acts {
		res, err := s.engine.Apply(ctx, a)
		if err != nil {
			if errors.Is(err, ledger.ErrLedgerContention) && s.queue.Enqueue(ctx, a) {
				continue
			}
			errs = append(errs, fmt.Errorf("activity %s: %w", a.ID, err))
			continue
		}
		if res.Applied {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// accept stores a draft and queues it. Redelivered events are reported as
// duplicates; a stored activity still pending is queued again.
func (s *Service) accept(ctx context.Context, a model.Activity) (duplicate bool, err error) {
	key := dedupe.Key(string(a.Source), a.SourceEventID)
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordActivityDuplicate()
		return true, nil
	}

	a.ID = uuid.Must(uuid.NewV7()).String()
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now().UTC()
	}

	switch err := s.store.InsertActivity(ctx, a); {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicate):
		metrics.RecordActivityDuplicate()
		stored, err := s.store.ActivityBySource(ctx, a.Source, a.SourceEventID)
		if err != nil {
			s.deduper.Unrecord(ctx, key)
			return true, fmt.Errorf("load duplicate: %w", err)
		}
		if stored.Status == model.StatusPendingAttribution && !s.queue.Enqueue(ctx, stored) {
			s.deduper.Unrecord(ctx, key)
			return true, ErrBackpressure
		}
		return true, nil
	default:
		s.deduper.Unrecord(ctx, key)
		return false, fmt.Errorf("store activity: %w", err)
	}

	metrics.RecordActivityIngested(string(a.Source))
	if !s.queue.Enqueue(ctx, a) {
		// Stored but not queued: a redelivery or the sweep picks it up.
		s.deduper.Unrecord(ctx, key)
		return false, ErrBackpressure
	}
	return false, nil
}

// WebhookResult is the acknowledgement of one code-host delivery.
type WebhookResult struct {
	Status     string `json:"status"`
	Activities int    `json:"activities"`
	Duplicates int    `json:"duplicates"`
}

// IngestWebhook verifies, normalizes and queues one code-host delivery.
// Signature and payload failures leave no state.
func (s *Service) IngestWebhook(ctx context.Context, eventType, deliveryID, signature string, body []byte) (WebhookResult, error) {
	if err := s.ready(); err != nil {
		return WebhookResult{}, err
	}
	if err := ingest.VerifySignature(s.webhookSecret, body, signature); err != nil {
		metrics.RecordDelivery("webhook", "unauthorized")
		s.logger.Warn(ctx, "webhook signature rejected",
			logger.String("delivery_id", deliveryID),
			logger.String("event_type", eventType),
			logger.Error(err))
		return WebhookResult{}, err
	}
	drafts, err := s.normalizer.FromWebhook(eventType, deliveryID, body)
	if err != nil {
		metrics.RecordDelivery("webhook", "malformed")
		return WebhookResult{}, err
	}
	if len(drafts) == 0 {
		metrics.RecordDelivery("webhook", "ignored")
		return WebhookResult{Status: "ignored"}, nil
	}

	res := WebhookResult{Status: "accepted"}
	for _, d := range drafts {
		dup, err := s.accept(ctx, d)
		if err != nil {
			metrics.RecordDelivery("webhook", "failed")
			return res, err
		}
		if dup {
			res.Duplicates++
		} else {
			res.Activities++
		}
	}
	metrics.RecordDelivery("webhook", "accepted")
	s.logger.Debug(ctx, "webhook accepted",
		logger.String("event", eventType),
		logger.String("delivery_id", deliveryID),
		logger.Int("activities", res.Activities),
		logger.Int("duplicates", res.Duplicates))
	return res, nil
}

// Profile is a builder with its current rank, if ranked.
type Profile struct {
	Builder model.Builder `json:"builder"`
	Rank    *types.Entry  `json:"rank,omitempty"`
}

// Profile returns a builder and its rank.
func (s *Service) Profile(ctx context.Context, builderID string) (Profile, error) {
	if err := s.ready(); err != nil {
		return Profile{}, err
	}
	b, err := s.resolver.Builder(ctx, builderID)
	if err != nil {
		return Profile{}, err
	}
	return s.profileOf(ctx, b), nil
}

func (s *Service) profileOf(ctx context.Context, b model.Builder) Profile {
	p := Profile{Builder: b}
	if e, err := s.index.RankOf(ctx, b.ID); err == nil {
		p.Rank = &e
	}
	return p
}

// LedgerView is a builder's ledger with its conservation check.
type LedgerView struct {
	Entries      []model.LedgerEntry `json:"entries"`
	Conservation ledger.Conservation `json:"conservation"`
}

// Ledger returns every entry of a builder in append order.
func (s *Service) Ledger(ctx context.Context, builderID string) (LedgerView, error) {
	if err := s.ready(); err != nil {
		return LedgerView{}, err
	}
	c, err := s.engine.Verify(ctx, builderID)
	if err != nil {
		return LedgerView{}, err
	}
	entries, err := s.store.Entries(ctx, builderID)
	if err != nil {
		return LedgerView{}, fmt.Errorf("load entries: %w", err)
	}
	if !c.Balanced {
		metrics.RecordErrorByComponent("ledger", "conservation")
		s.logger.Error(ctx, "ledger does not balance",
			logger.String("builder_id", builderID),
			logger.Int64("ledger_sum", c.LedgerSum),
			logger.Int64("score", c.Score),
			logger.Bool("alert", true))
	}
	return LedgerView{Entries: entries, Conservation: c}, nil
}

// LinkResult reports a link and the parked activities it scored.
type LinkResult struct {
	Builder  model.Builder `json:"builder"`
	CaughtUp int           `json:"caught_up"`
}

// LinkCodeHost links a code-host username and scores the builder's parked
// activities, oldest first.
func (s *Service) LinkCodeHost(ctx context.Context, builderID, username string) (LinkResult, error) {
	if err := s.ready(); err != nil {
		return LinkResult{}, err
	}
	pending, err := s.resolver.LinkCodeHostUsername(ctx, builderID, username)
	if err != nil {
		return LinkResult{}, err
	}
	n, err := s.applyAll(ctx, pending)
	if n > 0 {
		metrics.RecordCatchUp(n)
		s.logger.Info(ctx, "parked activities attributed",
			logger.String("builder_id", builderID),
			logger.Int("count", n))
	}
	if err != nil {
		return LinkResult{}, fmt.Errorf("catch up: %w", err)
	}
	b, err := s.resolver.Builder(ctx, builderID)
	if err != nil {
		return LinkResult{}, err
	}
	return LinkResult{Builder: b, CaughtUp: n}, nil
}

// LinkWallet stores a builder's wallet address.
func (s *Service) LinkWallet(ctx context.Context, builderID, address string) (model.Builder, error) {
	if err := s.ready(); err != nil {
		return model.Builder{}, err
	}
	return s.resolver.LinkWallet(ctx, builderID, address)
}

// Deactivate excludes a builder from ranking and future scoring.
func (s *Service) Deactivate(ctx context.Context, builderID string) (model.Builder, error) {
	if err := s.ready(); err != nil {
		return model.Builder{}, err
	}
	if _, err := s.resolver.Deactivate(ctx, builderID); err != nil {
		return model.Builder{}, err
	}
	b, err := s.engine.Refresh(ctx, builderID)
	if err != nil {
		s.index.Remove(ctx, builderID)
		return model.Builder{}, err
	}
	return b, nil
}

// CorrectionResult is the outcome of a correction request.
type CorrectionResult struct {
	Applied bool              `json:"applied"`
	Entry   model.LedgerEntry `json:"entry"`
	Total   int64             `json:"total"`
}

// Correct appends a compensating ledger entry for a scored activity.
func (s *Service) Correct(ctx context.Context, activityID, correctionID string, delta int64, reason string) (CorrectionResult, error) {
	if err := s.ready(); err != nil {
		return CorrectionResult{}, err
	}
	res, err := s.engine.Correct(ctx, activityID, correctionID, delta, reason)
	if err != nil {
		return CorrectionResult{}, err
	}
	return CorrectionResult{Applied: res.Applied, Entry: res.Entry, Total: res.Total}, nil
}

// TopK returns the first n ranked builders.
func (s *Service) TopK(ctx context.Context, n int) ([]types.Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if n > s.maxLimit {
		return nil, fmt.Errorf("%w: %d exceeds %d", repository.ErrInvalidLimit, n, s.maxLimit)
	}
	return s.index.TopK(ctx, n)
}

// RankOf returns a builder's rank or repository.ErrUnranked.
func (s *Service) RankOf(ctx context.Context, builderID string) (types.Entry, error) {
	if err := s.ready(); err != nil {
		return types.Entry{}, err
	}
	return s.index.RankOf(ctx, builderID)
}

// MaxLeaderboardLimit is the largest accepted page size.
func (s *Service) MaxLeaderboardLimit() int { return s.maxLimit }

// TakeSnapshot persists the full current ranking.
func (s *Service) TakeSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error) {
	if err := s.ready(); err != nil {
		return model.LeaderboardSnapshot{}, err
	}
	ranked := s.index.Snapshot(ctx)
	snap := model.LeaderboardSnapshot{
		ID:      uuid.Must(uuid.NewV7()).String(),
		TakenAt: s.now().UTC(),
		Entries: make([]model.SnapshotEntry, len(ranked)),
	}
	for i, e := range ranked {
		snap.Entries[i] = model.SnapshotEntry{BuilderID: e.BuilderID, Score: e.Score, Rank: e.Rank}
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return model.LeaderboardSnapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	metrics.RecordSnapshot()
	s.logger.Info(ctx, "leaderboard snapshot taken",
		logger.String("snapshot_id", snap.ID),
		logger.Int("entries", len(snap.Entries)))
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot or storage.ErrNotFound.
func (s *Service) LatestSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error) {
	if err := s.ready(); err != nil {
		return model.LeaderboardSnapshot{}, err
	}
	return s.store.LatestSnapshot(ctx)
}

// SweepPending scores parked code activities whose authors are now linked.
func (s *Service) SweepPending(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	acts, err := s.resolver.PendingSweep(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.applyAll(ctx, acts)
	if n > 0 {
		metrics.RecordCatchUp(n)
		s.logger.Info(ctx, "pending sweep attributed activities", logger.Int("count", n))
	}
	return n, err
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if s.started {
		stats["queueLength"] = s.queue.Len(ctx)
		stats["dedupeEntries"] = s.deduper.Size()
		stats["rankedBuilders"] = s.index.Count(ctx)
		metrics.UpdateLeaderboardSize(s.index.Count(ctx))
	}
	return stats
}
