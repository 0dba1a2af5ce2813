package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/builderscore/pkg/logger"
)

// Delivery retry settings for backpressure responses.
const (
	maxDeliveryAttempts = 6
	retryBackoffBase    = 50 * time.Millisecond
)

// ErrMismatch reports that converged scores differ from the plan.
var ErrMismatch = errors.New("replay: scores do not match the plan")

// Run executes a complete replay against the service at cfg.BaseURL.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	cfg = cfg.withDefaults()
	log := logger.Get().Named("replay")
	stats := &Stats{StartTime: time.Now()}

	log.Info(ctx, "starting replay",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("builders", cfg.Builders),
		logger.Int("pushesPerBuilder", cfg.PushesPerBuilder),
		logger.Float64("duplicateRate", cfg.DuplicateRate),
		logger.Int("workers", cfg.Workers))

	client := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	// Step 1: Check service health
	if err := client.get(ctx, "/healthz", nil); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Build the plan
	plan, err := NewPlan(cfg, time.Now())
	if err != nil {
		return stats, fmt.Errorf("plan generation failed: %w", err)
	}
	stats.Builders = len(plan.Builders)
	stats.Deliveries = len(plan.Deliveries) - plan.Resent()
	stats.Resent = plan.Resent()

	// Step 3: Register builders and link the early half
	if err := register(ctx, client, cfg, plan); err != nil {
		return stats, fmt.Errorf("registration failed: %w", err)
	}
	if _, err := link(ctx, client, cfg, plan, true); err != nil {
		return stats, fmt.Errorf("early linking failed: %w", err)
	}

	// Step 4: Submit deliveries concurrently
	if err := submit(ctx, client, cfg, plan, stats); err != nil {
		return stats, fmt.Errorf("delivery submission failed: %w", err)
	}

	// Step 5: Link the rest, which scores their parked activity
	caughtUp, err := link(ctx, client, cfg, plan, false)
	if err != nil {
		return stats, fmt.Errorf("late linking failed: %w", err)
	}
	stats.CaughtUp = caughtUp

	// Step 6: Wait for convergence and verify
	verr := verify(ctx, client, cfg, plan, stats)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)
	if verr != nil {
		return stats, verr
	}
	log.Info(ctx, "replay completed successfully")
	return stats, nil
}

func register(ctx context.Context, client *HTTPClient, cfg Config, plan *Plan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, b := range plan.Builders {
		g.Go(func() error {
			var res struct {
				Builder *struct {
					ID string `json:"id"`
				} `json:"builder"`
			}
			err := client.postJSON(gctx, "/commands", map[string]any{
				"interaction_id": "replay-start-" + b.ChatUserID,
				"command":        "start",
				"user_id":        b.ChatUserID,
			}, &res)
			if err != nil {
				return fmt.Errorf("start %s: %w", b.ChatUserID, err)
			}
			if res.Builder == nil || res.Builder.ID == "" {
				return fmt.Errorf("start %s: no builder in response", b.ChatUserID)
			}
			b.ID = res.Builder.ID
			return nil
		})
	}
	return g.Wait()
}

// link links the username of every builder whose LinkEarly equals early and
// returns the total number of caught-up activities.
func link(ctx context.Context, client *HTTPClient, cfg Config, plan *Plan, early bool) (int, error) {
	var caughtUp atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, b := range plan.Builders {
		if b.LinkEarly != early {
			continue
		}
		g.Go(func() error {
			var res struct {
				CaughtUp int `json:"caught_up"`
			}
			path := "/builders/" + url.PathEscape(b.ID) + "/codehost"
			if err := client.putJSON(gctx, path, map[string]string{"username": b.Username}, &res); err != nil {
				return fmt.Errorf("link %s: %w", b.Username, err)
			}
			caughtUp.Add(int64(res.CaughtUp))
			return nil
		})
	}
	err := g.Wait()
	return int(caughtUp.Load()), err
}

func submit(ctx context.Context, client *HTTPClient, cfg Config, plan *Plan, stats *Stats) error {
	var accepted, duplicates, retries, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, d := range plan.Deliveries {
		g.Go(func() error {
			ack, n, err := deliverWithRetry(gctx, client, cfg.Secret, d)
			retries.Add(int64(n))
			switch {
			case err != nil:
				failed.Add(1)
				if cfg.Verbose {
					logger.Get().Warn(gctx, "delivery failed",
						logger.String("delivery", d.ID), logger.Error(err))
				}
			case ack.Duplicates > 0:
				duplicates.Add(1)
			default:
				accepted.Add(1)
			}
			return gctx.Err()
		})
	}
	err := g.Wait()

	stats.Accepted = int(accepted.Load())
	stats.Duplicates = int(duplicates.Load())
	stats.Retries = int(retries.Load())
	stats.Failed = int(failed.Load())

	logger.Get().Info(ctx, "delivery submission completed",
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("retries", stats.Retries),
		logger.Int("failed", stats.Failed))
	return err
}

// deliverWithRetry resends d while the service signals backpressure and
// returns the number of retries it needed.
func deliverWithRetry(ctx context.Context, client *HTTPClient, secret string, d Delivery) (webhookAck, int, error) {
	backoff := retryBackoffBase
	for attempt := 0; ; attempt++ {
		ack, err := client.deliver(ctx, secret, d)
		if err == nil {
			return ack, attempt, nil
		}
		if attempt+1 >= maxDeliveryAttempts || !(isStatus(err, http.StatusTooManyRequests) || isStatus(err, http.StatusServiceUnavailable)) {
			return ack, attempt, err
		}
		select {
		case <-ctx.Done():
			return ack, attempt, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var deliveriesPerSecond float64
	if stats.Duration > 0 {
		deliveriesPerSecond = float64(stats.Deliveries+stats.Resent) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("builders", stats.Builders),
		logger.Int("deliveries", stats.Deliveries),
		logger.Int("resent", stats.Resent),
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("retries", stats.Retries),
		logger.Int("failed", stats.Failed),
		logger.Int("caughtUp", stats.CaughtUp),
		logger.Int("leaderboardChecks", stats.LeaderboardChecks),
		logger.Int("mismatches", stats.Mismatches),
		logger.Duration("duration", stats.Duration),
		logger.Float64("deliveriesPerSecond", deliveriesPerSecond))
}
