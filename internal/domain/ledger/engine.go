// Package ledger applies activity points to builders exactly once, keeps the
// append-only ledger and notifies the leaderboard.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/scoring"
	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

// Store is the persistence the engine needs.
type Store interface {
	storage.Builders
	storage.Activities
	storage.Ledger
}

// Notifier receives score changes in per-builder order.
type Notifier interface {
	Apply(ctx context.Context, u model.ScoreUpdate)
}

// Result describes the effect of one Apply or Correct call.
type Result struct {
	Applied  bool
	Activity model.Activity
	Entry    model.LedgerEntry
	Total    int64
}

// Conservation compares a builder's ledger with its stored score.
type Conservation struct {
	BuilderID string `json:"builder_id"`
	LedgerSum int64  `json:"ledger_sum"`
	Score     int64  `json:"score"`
	Entries   int    `json:"entries"`
	Balanced  bool   `json:"balanced"`
}

// CorrectionKey is the idempotency key of a correction entry.
func CorrectionKey(activityID, correctionID string) string {
	return "correction:" + activityID + ":" + correctionID
}

// Engine is safe for concurrent use.
type Engine struct {
	store    Store
	scorer   scoring.Scorer
	notifier Notifier
	locks    *lockTable
	log      logger.Logger
	now      func() time.Time

	lockShards  int
	lockTimeout time.Duration
	maxRetries  int
	backoffBase time.Duration
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		scorer:      scoring.NewTableScorer(),
		log:         logger.Named("ledger"),
		now:         time.Now,
		lockShards:  64,
		lockTimeout: 250 * time.Millisecond,
		maxRetries:  5,
		backoffBase: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.locks = newLockTable(e.lockShards)
	return e
}

// Apply credits a resolved activity to its builder exactly once.
func (e *Engine) Apply(ctx context.Context, a model.Activity) (Result, error) {
	if a.BuilderID == "" {
		return Result{}, fmt.Errorf("%w: activity %s", identity.ErrUnresolvedAttribution, a.ID)
	}
	start := time.Now()
	defer func() {
		metrics.RecordScoreApplyLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	var res Result
	err := e.withBuilderLock(ctx, a.BuilderID, func() error {
		var err error
		res, err = e.applyLocked(ctx, a)
		return err
	})
	return res, err
}

func (e *Engine) applyLocked(ctx context.Context, a model.Activity) (Result, error) {
	existing, err := e.store.EntryByKey(ctx, a.ID)
	if err == nil {
		return e.noop(ctx, a, existing)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("ledger lookup: %w", err)
	}

	b, err := e.builder(ctx, a.BuilderID)
	if err != nil {
		return Result{}, err
	}

	if !b.Active {
		a.Status = model.StatusRejected
		if err := e.store.UpdateActivity(ctx, a); err != nil {
			return Result{}, fmt.Errorf("reject activity: %w", err)
		}
		metrics.RecordActivityRejected()
		e.log.Info(ctx, "activity rejected for inactive builder",
			logger.String("activity_id", a.ID), logger.String("builder_id", b.ID))
		return Result{Activity: a, Total: b.Score}, nil
	}

	points := e.scorer.Points(a)
	entry := model.LedgerEntry{
		ID:           uuid.Must(uuid.NewV7()).String(),
		BuilderID:    b.ID,
		ActivityID:   a.ID,
		Key:          a.ID,
		Delta:        points,
		RunningTotal: b.Score + points,
		Reason:       a.WeightKey(),
		AppliedAt:    e.now().UTC(),
	}
	if err := e.store.AppendEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			if existing, lerr := e.store.EntryByKey(ctx, a.ID); lerr == nil {
				return e.noop(ctx, a, existing)
			}
		}
		return Result{}, fmt.Errorf("append entry: %w", err)
	}
	if err := e.store.SetScore(ctx, b.ID, entry.RunningTotal); err != nil {
		return Result{}, fmt.Errorf("set score: %w", err)
	}

	a.Points = points
	a.Status = model.StatusScored
	if err := e.store.UpdateActivity(ctx, a); err != nil {
		return Result{}, fmt.Errorf("mark activity scored: %w", err)
	}

	e.notify(ctx, b, entry)
	metrics.RecordLedgerEntry("apply")
	e.log.Debug(ctx, "activity scored",
		logger.String("activity_id", a.ID),
		logger.String("builder_id", b.ID),
		logger.Int64("delta", points),
		logger.Int64("total", entry.RunningTotal))
	return Result{Applied: true, Activity: a, Entry: entry, Total: entry.RunningTotal}, nil
}

// noop handles a replay. The activity is re-marked scored and the score is
// reconciled in case an earlier attempt stopped after appending.
func (e *Engine) noop(ctx context.Context, a model.Activity, existing model.LedgerEntry) (Result, error) {
	metrics.RecordLedgerNoop()
	b, err := e.builder(ctx, existing.BuilderID)
	if err != nil {
		return Result{}, err
	}
	if existing.BuilderID == a.BuilderID {
		if b, err = e.reconcile(ctx, b); err != nil {
			return Result{}, err
		}
	}
	if stored, err := e.store.GetActivity(ctx, a.ID); err == nil && stored.Status != model.StatusScored {
		stored.BuilderID = existing.BuilderID
		stored.Points = existing.Delta
		stored.Status = model.StatusScored
		if err := e.store.UpdateActivity(ctx, stored); err != nil {
			return Result{}, fmt.Errorf("repair activity status: %w", err)
		}
		a = stored
	}
	return Result{Activity: a, Entry: existing, Total: b.Score}, nil
}

// Correct appends a compensating entry for a scored activity. It is
// idempotent by correctionID and never edits earlier entries.
func (e *Engine) Correct(ctx context.Context, activityID, correctionID string, delta int64, reason string) (Result, error) {
	if correctionID == "" || delta == 0 {
		return Result{}, ErrInvalidCorrection
	}
	a, err := e.store.GetActivity(ctx, activityID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownActivity, activityID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load activity: %w", err)
	}
	if a.Status != model.StatusScored || a.BuilderID == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrNotScored, activityID)
	}
	if reason == "" {
		reason = "correction"
	}

	var res Result
	err = e.withBuilderLock(ctx, a.BuilderID, func() error {
		key := CorrectionKey(activityID, correctionID)
		if existing, err := e.store.EntryByKey(ctx, key); err == nil {
			metrics.RecordLedgerNoop()
			b, err := e.builder(ctx, a.BuilderID)
			if err != nil {
				return err
			}
			if b, err = e.reconcile(ctx, b); err != nil {
				return err
			}
			res = Result{Activity: a, Entry: existing, Total: b.Score}
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("ledger lookup: %w", err)
		}

		b, err := e.builder(ctx, a.BuilderID)
		if err != nil {
			return err
		}
		entry := model.LedgerEntry{
			ID:           uuid.Must(uuid.NewV7()).String(),
			BuilderID:    b.ID,
			ActivityID:   activityID,
			Key:          key,
			Delta:        delta,
			RunningTotal: b.Score + delta,
			Reason:       reason,
			AppliedAt:    e.now().UTC(),
		}
		if err := e.store.AppendEntry(ctx, entry); err != nil {
			return fmt.Errorf("append correction: %w", err)
		}
		if err := e.store.SetScore(ctx, b.ID, entry.RunningTotal); err != nil {
			return fmt.Errorf("set score: %w", err)
		}
		e.notify(ctx, b, entry)
		metrics.RecordLedgerEntry("correction")
		e.log.Info(ctx, "correction applied",
			logger.String("activity_id", activityID),
			logger.String("correction_id", correctionID),
			logger.Int64("delta", delta))
		res = Result{Applied: true, Activity: a, Entry: entry, Total: entry.RunningTotal}
		return nil
	})
	return res, err
}

// Verify recomputes the ledger sum for a builder and compares it with the
// stored score.
func (e *Engine) Verify(ctx context.Context, builderID string) (Conservation, error) {
	var c Conservation
	err := e.withBuilderLock(ctx, builderID, func() error {
		b, err := e.builder(ctx, builderID)
		if err != nil {
			return err
		}
		entries, err := e.store.Entries(ctx, builderID)
		if err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		var sum int64
		for _, en := range entries {
			sum += en.Delta
		}
		c = Conservation{BuilderID: builderID, LedgerSum: sum, Score: b.Score, Entries: len(entries), Balanced: sum == b.Score}
		return nil
	})
	return c, err
}

// Refresh republishes a builder's stored state to the leaderboard under its
// lock. Used after deactivation and when rebuilding the index at startup.
func (e *Engine) Refresh(ctx context.Context, builderID string) (model.Builder, error) {
	var b model.Builder
	err := e.withBuilderLock(ctx, builderID, func() error {
		var err error
		if b, err = e.builder(ctx, builderID); err != nil {
			return err
		}
		if e.notifier != nil {
			e.notifier.Apply(ctx, model.ScoreUpdate{BuilderID: b.ID, Score: b.Score, CreatedAt: b.CreatedAt, Active: b.Active})
		}
		return nil
	})
	return b, err
}

// reconcile brings the stored score back to the ledger sum. Callers hold the
// builder lock.
func (e *Engine) reconcile(ctx context.Context, b model.Builder) (model.Builder, error) {
	entries, err := e.store.Entries(ctx, b.ID)
	if err != nil {
		return model.Builder{}, fmt.Errorf("load entries: %w", err)
	}
	var sum int64
	for _, en := range entries {
		sum += en.Delta
	}
	if sum == b.Score {
		return b, nil
	}
	if err := e.store.SetScore(ctx, b.ID, sum); err != nil {
		return model.Builder{}, fmt.Errorf("reconcile score: %w", err)
	}
	metrics.RecordErrorByComponent("ledger", "reconcile")
	e.log.Warn(ctx, "builder score reconciled with ledger",
		logger.String("builder_id", b.ID),
		logger.Int64("stored", b.Score),
		logger.Int64("ledger_sum", sum))
	delta := sum - b.Score
	b.Score = sum
	if e.notifier != nil {
		e.notifier.Apply(ctx, model.ScoreUpdate{BuilderID: b.ID, Score: sum, Delta: delta, CreatedAt: b.CreatedAt, Active: b.Active})
	}
	return b, nil
}

func (e *Engine) builder(ctx context.Context, id string) (model.Builder, error) {
	b, err := e.store.GetBuilder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Builder{}, fmt.Errorf("%w: %s", identity.ErrUnknownBuilder, id)
	}
	if err != nil {
		return model.Builder{}, fmt.Errorf("load builder: %w", err)
	}
	return b, nil
}

func (e *Engine) notify(ctx context.Context, b model.Builder, entry model.LedgerEntry) {
	if e.notifier == nil {
		return
	}
	e.notifier.Apply(ctx, model.ScoreUpdate{
		BuilderID: b.ID,
		Score:     entry.RunningTotal,
		Delta:     entry.Delta,
		CreatedAt: b.CreatedAt,
		Active:    b.Active,
	})
}

// withBuilderLock runs fn holding the builder's lock. Acquisition is retried
// with exponential backoff; exhaustion is surfaced, never dropped.
func (e *Engine) withBuilderLock(ctx context.Context, builderID string, fn func() error) error {
	backoff := e.backoffBase
	for attempt := 0; ; attempt++ {
		release, err := e.locks.tryAcquire(ctx, builderID, e.lockTimeout)
		if err == nil {
			defer release()
			return fn()
		}
		if !errors.Is(err, errLockTimeout) {
			return err
		}
		if attempt >= e.maxRetries {
			metrics.RecordLedgerExhausted()
			metrics.RecordErrorByComponent("ledger", "contention")
			e.log.Error(ctx, "builder lock retries exhausted",
				logger.String("builder_id", builderID),
				logger.Int("attempts", attempt+1),
				logger.Bool("alert", true))
			return fmt.Errorf("%w: builder %s", ErrLedgerContention, builderID)
		}
		metrics.RecordLedgerRetry()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
