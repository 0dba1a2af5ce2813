package replay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/logger"
)

type profile struct {
	Builder struct {
		ID    string `json:"id"`
		Score int64  `json:"score"`
	} `json:"builder"`
	Rank *types.Entry `json:"rank,omitempty"`
}

// verify waits until every builder's score matches the plan, then checks
// the leaderboard and per-builder ranks against it.
func verify(ctx context.Context, client *HTTPClient, cfg Config, plan *Plan, stats *Stats) error {
	log := logger.Get().Named("replay")
	log.Info(ctx, "waiting for scores to converge", logger.Duration("settle", cfg.Settle))

	mismatched, err := awaitScores(ctx, client, cfg, plan)
	if err != nil {
		return err
	}
	if len(mismatched) > 0 {
		stats.Mismatches = len(mismatched)
		if cfg.Verbose {
			for _, m := range mismatched {
				log.Warn(ctx, "score mismatch", logger.String("builder", m))
			}
		}
		return fmt.Errorf("%w: %d builders did not converge", ErrMismatch, len(mismatched))
	}

	expected := make(map[string]int64, len(plan.Builders))
	for _, b := range plan.Builders {
		expected[b.ID] = b.Expected
	}

	var board []types.Entry
	if err := client.get(ctx, "/leaderboard?limit="+strconv.Itoa(cfg.TopN), &board); err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}
	if err := checkLeaderboard(board, expected); err != nil {
		stats.Mismatches++
		return err
	}
	stats.LeaderboardChecks++

	for _, b := range plan.Builders {
		var e types.Entry
		if err := client.get(ctx, "/rank/"+url.PathEscape(b.ID), &e); err != nil {
			return fmt.Errorf("rank %s: %w", b.ID, err)
		}
		if e.Score != b.Expected {
			stats.Mismatches++
			return fmt.Errorf("%w: rank of %s has score %d, want %d", ErrMismatch, b.Username, e.Score, b.Expected)
		}
		stats.LeaderboardChecks++
	}

	log.Info(ctx, "scores verified", logger.Int("builders", len(plan.Builders)))
	return nil
}

// awaitScores polls builder profiles until every score equals its expected
// value or cfg.Settle elapses. It returns the usernames still off.
func awaitScores(ctx context.Context, client *HTTPClient, cfg Config, plan *Plan) ([]string, error) {
	deadline := time.Now().Add(cfg.Settle)
	for {
		var off []string
		for _, b := range plan.Builders {
			var p profile
			if err := client.get(ctx, "/builders/"+url.PathEscape(b.ID), &p); err != nil {
				return nil, fmt.Errorf("profile %s: %w", b.ID, err)
			}
			if p.Builder.Score != b.Expected {
				off = append(off, fmt.Sprintf("%s: got %d want %d", b.Username, p.Builder.Score, b.Expected))
			}
		}
		if len(off) == 0 || time.Now().After(deadline) {
			return off, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}

// checkLeaderboard verifies order and rank numbering of board, and the score
// of every entry that belongs to the plan. Entries from other builders are
// allowed so a replay can run against a populated service.
func checkLeaderboard(board []types.Entry, expected map[string]int64) error {
	for i, e := range board {
		if e.Rank != i+1 {
			return fmt.Errorf("%w: entry %d has rank %d", ErrMismatch, i, e.Rank)
		}
		if i > 0 && e.Score > board[i-1].Score {
			return fmt.Errorf("%w: entry %d outscores entry %d", ErrMismatch, i, i-1)
		}
		if want, ok := expected[e.BuilderID]; ok && want != e.Score {
			return fmt.Errorf("%w: leaderboard score of %s is %d, want %d", ErrMismatch, e.BuilderID, e.Score, want)
		}
	}
	return nil
}
