// Package repository holds the in-memory leaderboard index.
package repository

import (
	"context"

	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/types"
)

// Index keeps builders ordered by score and answers rank queries.
type Index interface {
	// Apply repositions exactly one builder. Inactive builders and builders
	// without a positive score are unranked.
	Apply(ctx context.Context, u model.ScoreUpdate)

	// Remove drops a builder from the ranking.
	Remove(ctx context.Context, builderID string)

	// RankOf returns the builder's 1-based position. Returns ErrUnranked if absent.
	RankOf(ctx context.Context, builderID string) (types.Entry, error)

	// TopK returns the first n entries in rank order.
	TopK(ctx context.Context, n int) ([]types.Entry, error)

	// Snapshot returns the full ordered ranking without mutating it.
	Snapshot(ctx context.Context) []types.Entry

	// Count returns the number of ranked builders.
	Count(ctx context.Context) int

	Close() error
}
