package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/okian/builderscore/internal/adapters/repository"
	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/nomination"
	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/logger"
	"github.com/okian/builderscore/pkg/metrics"
)

const defaultLeaderboardPage = 10

// CommandResult is what a chat command produced. Only the fields relevant to
// the command are set.
type CommandResult struct {
	Command     string                     `json:"command"`
	Builder     *model.Builder             `json:"builder,omitempty"`
	Created     bool                       `json:"created,omitempty"`
	Rank        *types.Entry               `json:"rank,omitempty"`
	Leaderboard []types.Entry              `json:"leaderboard,omitempty"`
	Nomination  *model.Nomination          `json:"nomination,omitempty"`
	Snapshot    *model.LeaderboardSnapshot `json:"snapshot,omitempty"`
	CaughtUp    int                        `json:"caught_up,omitempty"`
	Message     string                     `json:"message,omitempty"`
}

// HandleCommand executes one chat interaction. The chat user is registered on
// first sight; engagement commands also queue an engagement activity.
func (s *Service) HandleCommand(ctx context.Context, cmd ingest.Command) (CommandResult, error) {
	if err := s.ready(); err != nil {
		return CommandResult{}, err
	}
	if err := cmd.Validate(); err != nil {
		metrics.RecordDelivery("chat", "malformed")
		return CommandResult{}, err
	}
	name := cmd.Normalized()

	res, err := s.runCommand(ctx, name, cmd)
	if err != nil {
		metrics.RecordDelivery("chat", "failed")
		return CommandResult{}, err
	}
	res.Command = name

	if name != ingest.CommandNominate && s.normalizer.IsEngagement(name) {
		s.engage(ctx, cmd)
	}
	metrics.RecordDelivery("chat", "accepted")
	return res, nil
}

func (s *Service) runCommand(ctx context.Context, name string, cmd ingest.Command) (CommandResult, error) {
	switch name {
	case ingest.CommandStart:
		b, created, err := s.resolver.Register(ctx, cmd.UserID)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Builder: &b, Created: created}, nil

	case ingest.CommandProfile, ingest.CommandScore:
		b, created, err := s.resolver.Register(ctx, cmd.UserID)
		if err != nil {
			return CommandResult{}, err
		}
		p := s.profileOf(ctx, b)
		return CommandResult{Builder: &p.Builder, Created: created, Rank: p.Rank}, nil

	case ingest.CommandLeaderboard:
		limit, err := s.pageSize(cmd.Args)
		if err != nil {
			return CommandResult{}, err
		}
		if _, _, err := s.resolver.Register(ctx, cmd.UserID); err != nil {
			return CommandResult{}, err
		}
		top, err := s.index.TopK(ctx, limit)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Leaderboard: top}, nil

	case ingest.CommandNominate:
		n, err := s.nominate(ctx, cmd)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Nomination: &n, Message: nominationMessage(n.Status)}, nil

	case ingest.CommandRecap:
		snap, err := s.store.LatestSnapshot(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return CommandResult{Message: "no recap has been published yet"}, nil
		}
		if err != nil {
			return CommandResult{}, fmt.Errorf("latest snapshot: %w", err)
		}
		return CommandResult{Snapshot: &snap}, nil

	case ingest.CommandLinkGithub:
		if len(cmd.Args) != 1 {
			return CommandResult{}, fmt.Errorf("%w: linkgithub takes one username", ingest.ErrMalformedPayload)
		}
		b, _, err := s.resolver.Register(ctx, cmd.UserID)
		if err != nil {
			return CommandResult{}, err
		}
		link, err := s.LinkCodeHost(ctx, b.ID, cmd.Args[0])
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Builder: &link.Builder, CaughtUp: link.CaughtUp}, nil

	case ingest.CommandLinkWallet:
		if len(cmd.Args) != 1 {
			return CommandResult{}, fmt.Errorf("%w: linkwallet takes one address", ingest.ErrMalformedPayload)
		}
		b, _, err := s.resolver.Register(ctx, cmd.UserID)
		if err != nil {
			return CommandResult{}, err
		}
		b, err = s.resolver.LinkWallet(ctx, b.ID, cmd.Args[0])
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Builder: &b}, nil

	default:
		if !s.normalizer.IsEngagement(name) {
			return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
		}
		b, created, err := s.resolver.Register(ctx, cmd.UserID)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Builder: &b, Created: created}, nil
	}
}

func (s *Service) pageSize(args []string) (int, error) {
	if len(args) == 0 {
		return min(defaultLeaderboardPage, s.maxLimit), nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > s.maxLimit {
		return 0, fmt.Errorf("%w: %q (1..%d)", repository.ErrInvalidLimit, args[0], s.maxLimit)
	}
	return n, nil
}

// engage queues the engagement activity of a handled command. Failures are
// logged; the command itself already succeeded.
func (s *Service) engage(ctx context.Context, cmd ingest.Command) {
	drafts, err := s.normalizer.FromCommand(cmd)
	if err != nil {
		s.logger.Warn(ctx, "engagement draft rejected", logger.Error(err))
		return
	}
	for _, d := range drafts {
		if _, err := s.accept(ctx, d); err != nil {
			s.logger.Warn(ctx, "engagement activity not queued",
				logger.String("interaction_id", cmd.InteractionID),
				logger.Error(err))
		}
	}
}

// nominate records one nomination attempt. Replays of an interaction return
// the stored outcome.
func (s *Service) nominate(ctx context.Context, cmd ingest.Command) (model.Nomination, error) {
	if n, err := s.store.NominationByEvent(ctx, cmd.InteractionID); err == nil {
		if n.Status == model.NominationRecorded {
			if err := s.creditNomination(ctx, cmd, n.NomineeID); err != nil {
				return model.Nomination{}, err
			}
		}
		return n, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Nomination{}, fmt.Errorf("lookup nomination: %w", err)
	}

	nomineeChatID, err := cmd.Nominee()
	if err != nil {
		return model.Nomination{}, err
	}
	nominator, _, err := s.resolver.Register(ctx, cmd.UserID)
	if err != nil {
		return model.Nomination{}, err
	}
	nominee, err := s.resolver.Lookup(ctx, nomineeChatID)
	if errors.Is(err, identity.ErrUnknownBuilder) {
		metrics.RecordNomination("unknown_nominee")
		return model.Nomination{}, fmt.Errorf("%w: %s", nomination.ErrUnknownNominee, nomineeChatID)
	}
	if err != nil {
		return model.Nomination{}, fmt.Errorf("lookup nominee: %w", err)
	}

	at := cmd.At
	if at.IsZero() {
		at = s.now()
	}
	outcome, err := s.limiter.Admit(ctx, nominator.ID, nominee.ID, at)
	if err != nil {
		if errors.Is(err, nomination.ErrSelfNomination) {
			metrics.RecordNomination("self")
		}
		return model.Nomination{}, err
	}

	n := model.Nomination{
		ID:          uuid.Must(uuid.NewV7()).String(),
		EventID:     cmd.InteractionID,
		NominatorID: nominator.ID,
		NomineeID:   nominee.ID,
		Week:        outcome.Week,
		Status:      outcome.Status,
		CreatedAt:   at.UTC(),
	}
	if err := s.store.InsertNomination(ctx, n); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.settleNomination(ctx, cmd, nominator.ID, nominee.ID, outcome)
		}
		s.releaseNomination(ctx, nominator.ID, nominee.ID, outcome)
		return model.Nomination{}, fmt.Errorf("store nomination: %w", err)
	}
	metrics.RecordNomination(string(n.Status))
	s.logger.Info(ctx, "nomination decided",
		logger.String("nominator_id", n.NominatorID),
		logger.String("nominee_id", n.NomineeID),
		logger.String("week", n.Week),
		logger.String("status", string(n.Status)))

	if outcome.Recorded() {
		if err := s.creditNomination(ctx, cmd, nominee.ID); err != nil {
			return model.Nomination{}, err
		}
	}
	return n, nil
}

// settleNomination resolves a concurrent replay of the same interaction: the
// stored row decides. A reservation this attempt took but the stored row does
// not reflect is returned to the limiter.
func (s *Service) settleNomination(ctx context.Context, cmd ingest.Command, nominatorID, nomineeID string, outcome nomination.Outcome) (model.Nomination, error) {
	stored, err := s.store.NominationByEvent(ctx, cmd.InteractionID)
	if err != nil {
		s.releaseNomination(ctx, nominatorID, nomineeID, outcome)
		return model.Nomination{}, fmt.Errorf("lookup nomination: %w", err)
	}
	if stored.Status != model.NominationRecorded {
		s.releaseNomination(ctx, nominatorID, nomineeID, outcome)
		return stored, nil
	}
	if err := s.creditNomination(ctx, cmd, stored.NomineeID); err != nil {
		return model.Nomination{}, err
	}
	return stored, nil
}

func (s *Service) releaseNomination(ctx context.Context, nominatorID, nomineeID string, outcome nomination.Outcome) {
	if err := s.limiter.Release(ctx, nominatorID, nomineeID, outcome); err != nil {
		metrics.RecordErrorByComponent("nomination", "release")
		s.logger.Error(ctx, "failed to release nomination reservation",
			logger.String("nominator_id", nominatorID),
			logger.String("nominee_id", nomineeID),
			logger.String("week", outcome.Week),
			logger.Error(err))
	}
}

func (s *Service) creditNomination(ctx context.Context, cmd ingest.Command, nomineeID string) error {
	drafts, err := s.normalizer.FromCommand(cmd)
	if err != nil {
		return err
	}
	for _, d := range drafts {
		d.BuilderID = nomineeID
		if _, err := s.accept(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func nominationMessage(status model.NominationStatus) string {
	switch status {
	case model.NominationRecorded:
		return "nomination recorded"
	case model.NominationRejectedDuplicate:
		return "you already nominated this builder this week"
	case model.NominationRejectedRate:
		return "weekly nomination limit reached"
	default:
		return ""
	}
}

// Dispatch handles a command from the chat stream. Retryable failures are
// returned so the consumer redelivers.
func (s *Service) Dispatch(ctx context.Context, cmd ingest.Command) error {
	_, err := s.HandleCommand(ctx, cmd)
	return err
}
