package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/builderscore/internal/replay"
	"github.com/okian/builderscore/pkg/logger"
)

// Default configuration constants.
const (
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		secret     = flag.String("secret", os.Getenv("BUILDERSCORE_WEBHOOK_SECRET"), "Webhook signing secret")
		builders   = flag.Int("builders", replay.DefaultBuilders, "Number of synthetic builders")
		pushes     = flag.Int("pushes", replay.DefaultPushesPerBuilder, "Push deliveries per builder")
		maxCommits = flag.Int("max-commits", replay.DefaultMaxCommits, "Maximum commits per push")
		dupRate    = flag.Float64("duplicates", replay.DefaultDuplicateRate, "Fraction of deliveries sent twice")
		weight     = flag.Int64("commit-weight", replay.DefaultCommitWeight, "Points the service awards per commit")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent requests")
		timeout    = flag.Duration("timeout", replay.DefaultTimeout, "HTTP request timeout")
		settle     = flag.Duration("settle", replay.DefaultSettle, "How long to wait for scores to converge")
		topN       = flag.Int("top", replay.DefaultTopN, "Leaderboard entries to verify")
		seed       = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Seed for the delivery plan")
		verbose    = flag.Bool("verbose", false, "Log every failed delivery and mismatch")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := replay.Config{
		BaseURL:          *baseURL,
		Secret:           *secret,
		Builders:         *builders,
		PushesPerBuilder: *pushes,
		MaxCommits:       *maxCommits,
		DuplicateRate:    *dupRate,
		CommitWeight:     *weight,
		Workers:          *workers,
		Timeout:          *timeout,
		Settle:           *settle,
		TopN:             *topN,
		Seed:             *seed,
		Verbose:          *verbose,
	}

	if _, err := replay.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "replay failed", logger.Error(err))
		stop()
		cancel()
		os.Exit(1)
	}
}
