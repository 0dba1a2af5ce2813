// Package identity maps raw source identifiers to canonical builders and
// handles linking, which may attribute previously parked activities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/pkg/logger"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now for builder creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver attaches activities to builders.
type Resolver struct {
	store storage.Builders
	acts  storage.Activities
	now   func() time.Time
	log   logger.Logger
}

// NewResolver creates a resolver over builders and activities.
func NewResolver(builders storage.Builders, activities storage.Activities, opts ...Option) *Resolver {
	r := &Resolver{
		store: builders,
		acts:  activities,
		now:   time.Now,
		log:   logger.Named("identity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register returns the builder for chatUserID, creating it on first sight.
// created reports whether this call created it.
func (r *Resolver) Register(ctx context.Context, chatUserID string) (b model.Builder, created bool, err error) {
	chatUserID = strings.TrimSpace(chatUserID)
	if chatUserID == "" {
		return model.Builder{}, false, fmt.Errorf("%w: empty chat user id", ErrInvalidIdentifier)
	}

	b, err = r.store.BuilderByChatUser(ctx, chatUserID)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Builder{}, false, fmt.Errorf("lookup chat user: %w", err)
	}

	b = model.Builder{
		ID:         uuid.NewString(),
		ChatUserID: chatUserID,
		Active:     true,
		CreatedAt:  r.now().UTC(),
	}
	switch err := r.store.CreateBuilder(ctx, b); {
	case err == nil:
		r.log.Info(ctx, "builder registered", logger.String("builder_id", b.ID), logger.String("chat_user_id", chatUserID))
		return b, true, nil
	case errors.Is(err, storage.ErrDuplicate):
		// Lost a creation race; the winner is canonical.
		b, err = r.store.BuilderByChatUser(ctx, chatUserID)
		if err != nil {
			return model.Builder{}, false, fmt.Errorf("lookup chat user after race: %w", err)
		}
		return b, false, nil
	default:
		return model.Builder{}, false, fmt.Errorf("create builder: %w", err)
	}
}

// Lookup finds an existing builder by chat user id without creating one.
func (r *Resolver) Lookup(ctx context.Context, chatUserID string) (model.Builder, error) {
	b, err := r.store.BuilderByChatUser(ctx, chatUserID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Builder{}, ErrUnknownBuilder
	}
	return b, err
}

// Builder fetches a builder by id.
func (r *Resolver) Builder(ctx context.Context, id string) (model.Builder, error) {
	b, err := r.store.GetBuilder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Builder{}, ErrUnknownBuilder
	}
	return b, err
}

// Resolve returns the builder an activity is credited to. Chat-origin
// activities auto-create the builder. Code-origin activities need a linked
// username and fail with ErrUnresolvedAttribution otherwise.
func (r *Resolver) Resolve(ctx context.Context, a model.Activity) (model.Builder, error) {
	if a.BuilderID != "" {
		return r.Builder(ctx, a.BuilderID)
	}
	if !a.Source.CodeOrigin() {
		b, _, err := r.Register(ctx, a.Credited())
		return b, err
	}

	b, err := r.store.BuilderByUsername(ctx, model.NormalizeUsername(a.Author))
	if errors.Is(err, storage.ErrNotFound) {
		return model.Builder{}, fmt.Errorf("%w: %s", ErrUnresolvedAttribution, a.Author)
	}
	if err != nil {
		return model.Builder{}, fmt.Errorf("lookup username: %w", err)
	}
	return b, nil
}

// LinkCodeHostUsername claims username for builderID and returns the pending
// activities it authored, oldest first, attributed to the builder.
func (r *Resolver) LinkCodeHostUsername(ctx context.Context, builderID, username string) ([]model.Activity, error) {
	username = model.NormalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	b, err := r.Builder(ctx, builderID)
	if err != nil {
		return nil, err
	}

	if b.CodeHostUsername != username {
		switch err := r.store.SetUsername(ctx, builderID, username); {
		case err == nil:
			r.log.Info(ctx, "codehost username linked",
				logger.String("builder_id", builderID),
				logger.String("username", username),
				logger.String("previous", b.CodeHostUsername))
		case errors.Is(err, storage.ErrDuplicate):
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLinked, username)
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrUnknownBuilder
		default:
			return nil, fmt.Errorf("link username: %w", err)
		}
	}

	return r.pendingFor(ctx, username, builderID)
}

func (r *Resolver) pendingFor(ctx context.Context, username, builderID string) ([]model.Activity, error) {
	pending, err := r.acts.PendingActivities(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("pending activities: %w", err)
	}
	for i := range pending {
		pending[i].BuilderID = builderID
	}
	return pending, nil
}

// LinkWallet stores an Ethereum-style wallet address.
func (r *Resolver) LinkWallet(ctx context.Context, builderID, address string) (model.Builder, error) {
	address = strings.TrimSpace(address)
	if err := validateWallet(address); err != nil {
		return model.Builder{}, err
	}
	if err := r.store.SetWallet(ctx, builderID, address); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Builder{}, ErrUnknownBuilder
		}
		return model.Builder{}, fmt.Errorf("link wallet: %w", err)
	}
	return r.Builder(ctx, builderID)
}

// Deactivate keeps the builder but excludes it from ranking and scoring.
func (r *Resolver) Deactivate(ctx context.Context, builderID string) (model.Builder, error) {
	if err := r.store.SetActive(ctx, builderID, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Builder{}, ErrUnknownBuilder
		}
		return model.Builder{}, fmt.Errorf("deactivate: %w", err)
	}
	r.log.Info(ctx, "builder deactivated", logger.String("builder_id", builderID))
	return r.Builder(ctx, builderID)
}

// PendingSweep re-resolves every pending code activity whose author is now
// linked. Returned activities carry their builder id, oldest first.
func (r *Resolver) PendingSweep(ctx context.Context) ([]model.Activity, error) {
	pending, err := r.acts.PendingActivities(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("pending activities: %w", err)
	}
	out := pending[:0]
	for _, a := range pending {
		b, err := r.Resolve(ctx, a)
		if errors.Is(err, ErrUnresolvedAttribution) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a.BuilderID = b.ID
		out = append(out, a)
	}
	return out, nil
}
