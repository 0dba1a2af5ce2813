// Package storage defines the persistence contract shared by the in-memory
// and MongoDB backends.
package storage

import (
	"context"
	"errors"

	"github.com/okian/builderscore/internal/domain/model"
)

// Sentinel errors returned by every backend.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Builders persists builder identities.
type Builders interface {
	// CreateBuilder inserts b. ErrDuplicate if the chat user id is taken.
	CreateBuilder(ctx context.Context, b model.Builder) error
	GetBuilder(ctx context.Context, id string) (model.Builder, error)
	BuilderByChatUser(ctx context.Context, chatUserID string) (model.Builder, error)
	// BuilderByUsername looks up a normalized code-host username.
	BuilderByUsername(ctx context.Context, username string) (model.Builder, error)
	// SetUsername claims username for id. ErrDuplicate if another builder owns it.
	SetUsername(ctx context.Context, id, username string) error
	SetWallet(ctx context.Context, id, address string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetScore(ctx context.Context, id string, score int64) error
	ListBuilders(ctx context.Context) ([]model.Builder, error)
}

// Activities persists normalized activities.
type Activities interface {
	// InsertActivity stores a. ErrDuplicate if (source, source event id) exists.
	InsertActivity(ctx context.Context, a model.Activity) error
	GetActivity(ctx context.Context, id string) (model.Activity, error)
	ActivityBySource(ctx context.Context, source model.Source, sourceEventID string) (model.Activity, error)
	UpdateActivity(ctx context.Context, a model.Activity) error
	// PendingActivities returns pending code activities, oldest first.
	// An empty author returns every pending code activity.
	PendingActivities(ctx context.Context, author string) ([]model.Activity, error)
}

// Ledger persists ledger entries.
type Ledger interface {
	// AppendEntry stores e. ErrDuplicate if e.Key exists.
	AppendEntry(ctx context.Context, e model.LedgerEntry) error
	EntryByKey(ctx context.Context, key string) (model.LedgerEntry, error)
	// Entries returns a builder's entries in append order.
	Entries(ctx context.Context, builderID string) ([]model.LedgerEntry, error)
}

// Nominations persists nomination attempts.
type Nominations interface {
	// InsertNomination stores n. ErrDuplicate if n.EventID exists.
	InsertNomination(ctx context.Context, n model.Nomination) error
	NominationByEvent(ctx context.Context, eventID string) (model.Nomination, error)
}

// Snapshots persists leaderboard snapshots.
type Snapshots interface {
	InsertSnapshot(ctx context.Context, s model.LeaderboardSnapshot) error
	LatestSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error)
}

// Store is the full persistence surface.
type Store interface {
	Builders
	Activities
	Ledger
	Nominations
	Snapshots

	Close(ctx context.Context) error
}
