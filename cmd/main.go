package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/okian/builderscore/internal/adapters/cache/redisquota"
	"github.com/okian/builderscore/internal/adapters/http/api"
	"github.com/okian/builderscore/internal/adapters/http/swagger"
	"github.com/okian/builderscore/internal/adapters/mq/chatstream"
	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/adapters/storage/memstore"
	"github.com/okian/builderscore/internal/adapters/storage/mongostore"
	app "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/config"
	"github.com/okian/builderscore/internal/domain/ledger"
	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	connectTimeout            = 10 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// System metrics are collected by our own updater.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "builderscore exited with error", logger.Error(err))
		os.Exit(1)
	}
}

// run wires the components described by cfg and blocks until ctx is done or
// a component fails.
func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error(ctx, "store close failed", logger.Error(err))
		}
	}()

	opts := serviceOptions(cfg, log)
	if cfg.RedisAddr != "" {
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		quota, err := redisquota.Connect(connectCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = quota.Close() }()
		opts = append(opts, app.WithQuotaStore(quota))
		log.Info(ctx, "nomination quotas stored in redis", logger.String("addr", cfg.RedisAddr))
	}

	svc := app.New(store, opts...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			log.Error(ctx, "service stop failed", logger.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, svc, cfg),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info(gctx, "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := chatstream.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaChatTopic,
			chatstream.NewHandler(svc, chatstream.WithRetryable(app.Retryable)))
		if err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		g.Go(func() error {
			defer func() { _ = consumer.Close() }()
			log.Info(gctx, "consuming chat stream", logger.String("topic", cfg.KafkaChatTopic))
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		startServiceMetricsUpdater(gctx, svc)
		return nil
	})

	err = g.Wait()
	log.Info(ctx, "server stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.MongoURI == "" {
		logger.Get().Warn(ctx, "mongo_uri not set; state is kept in memory only")
		return memstore.New(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	store, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return store, nil
}

func serviceOptions(cfg *config.Config, log logger.Logger) []app.Option {
	return []app.Option{
		app.WithLogger(log.Named("service")),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithWebhookSecret(cfg.WebhookSecret),
		app.WithWeights(cfg.Weights, cfg.DefaultWeight),
		app.WithEngagementCommands(cfg.EngagementCommands...),
		app.WithNominationQuota(cfg.NominationWeeklyQuota),
		app.WithMaxLeaderboardLimit(cfg.MaxLeaderboardLimit),
		app.WithSchedules(cfg.RecapSchedule, cfg.PendingSweepSchedule),
		app.WithLedgerOptions(
			ledger.WithLockShards(cfg.LedgerLockShards),
			ledger.WithLockTimeout(cfg.LedgerLockTimeout),
			ledger.WithMaxRetries(cfg.LedgerMaxRetries),
			ledger.WithBackoffBase(cfg.LedgerBackoffBase),
		),
	}
}

func newMux(ctx context.Context, svc *app.Service, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc, api.WithMaxWebhookBytes(cfg.MaxWebhookBodyBytes)).Register(ctx, mux)
	return mux
}

// startSystemMetricsUpdater updates system metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater updates service metrics until ctx is done.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()

	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
	if ranked, ok := stats["rankedBuilders"].(int); ok {
		metrics.UpdateLeaderboardSize(ranked)
	}
}
