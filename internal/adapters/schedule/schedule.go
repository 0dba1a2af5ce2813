// Package schedule runs the periodic maintenance jobs: the weekly recap
// snapshot and the pending-attribution sweep.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

// ErrUnknownJob is returned by RunNow for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	run  JobFunc
}

// Scheduler wraps a cron engine in UTC.
type Scheduler struct {
	engine *cron.Cron
	log    logger.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]job
}

// New creates a stopped scheduler. Overlapping runs of one job are skipped.
func New() *Scheduler {
	l := logger.Named("schedule")
	adapter := cronLogger{log: l}
	return &Scheduler{
		engine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:  l,
		ctx:  context.Background(),
		jobs: make(map[string]job),
	}
}

// Register adds a job under name with a standard five-field or descriptor spec.
func (s *Scheduler) Register(name, spec string, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := s.engine.AddFunc(spec, func() { s.execute(name, run) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = job{name: name, spec: spec, run: run}
	s.log.Info(context.Background(), "job scheduled", logger.String("job", name), logger.String("spec", spec))
	return nil
}

// Start runs the engine until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.engine.Start()
	s.log.Info(ctx, "scheduler started", logger.Int("jobs", len(s.engine.Entries())))
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.engine.Stop().Done()
	s.log.Info(context.Background(), "scheduler stopped")
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j.run(ctx)
}

func (s *Scheduler) execute(name string, run JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := run(ctx); err != nil {
		metrics.RecordErrorByComponent("schedule", name)
		s.log.Error(ctx, "scheduled job failed", logger.String("job", name), logger.Error(err))
		return
	}
	s.log.Debug(ctx, "scheduled job done", logger.String("job", name), logger.Duration("took", time.Since(start)))
}

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(context.Background(), msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(context.Background(), msg, append(fields(keysAndValues), logger.Error(err))...)
}

func fields(kv []any) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
