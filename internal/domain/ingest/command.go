package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/builderscore/internal/domain/model"
)

// Chat command names with dedicated handling.
const (
	CommandStart       = "start"
	CommandProfile     = "profile"
	CommandScore       = "score"
	CommandLeaderboard = "leaderboard"
	CommandNominate    = "nominate"
	CommandRecap       = "recap"
	CommandLinkGithub  = "linkgithub"
	CommandLinkWallet  = "linkwallet"
)

// Command is one chat interaction as delivered by the chat platform.
type Command struct {
	InteractionID string    `json:"interaction_id"`
	Name          string    `json:"command"`
	UserID        string    `json:"user_id"`
	Args          []string  `json:"args,omitempty"`
	At            time.Time `json:"ts"`
}

// Normalized returns the command name lower-cased without a leading slash.
func (c Command) Normalized() string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithEngagementCommands sets the chat commands that count as engagement.
func WithEngagementCommands(names ...string) Option {
	return func(n *Normalizer) {
		n.engagement = make(map[string]struct{}, len(names))
		for _, name := range names {
			n.engagement[Command{Name: name}.Normalized()] = struct{}{}
		}
	}
}

// Normalizer holds the static rules used to build drafts.
type Normalizer struct {
	engagement map[string]struct{}
}

// NewNormalizer creates a normalizer. No command counts as engagement by default.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{engagement: map[string]struct{}{}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// IsEngagement reports whether name is a configured engagement command.
func (n *Normalizer) IsEngagement(name string) bool {
	_, ok := n.engagement[Command{Name: name}.Normalized()]
	return ok
}

// Validate checks the fields every command must carry.
func (c Command) Validate() error {
	if c.InteractionID == "" || c.UserID == "" || c.Normalized() == "" {
		return fmt.Errorf("%w: command needs interaction_id, user_id and command", ErrMalformedPayload)
	}
	return nil
}

// Nominee returns the single nominee argument of a nominate command.
func (c Command) Nominee() (string, error) {
	if len(c.Args) != 1 {
		return "", fmt.Errorf("%w: nominate takes exactly one nominee", ErrMalformedPayload)
	}
	nominee := strings.TrimPrefix(strings.TrimSpace(c.Args[0]), "@")
	if nominee == "" {
		return "", fmt.Errorf("%w: empty nominee", ErrMalformedPayload)
	}
	return nominee, nil
}

// FromCommand turns a chat command into at most one activity draft.
func (n *Normalizer) FromCommand(cmd Command) ([]model.Activity, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	name := cmd.Normalized()

	if name == CommandNominate {
		nominee, err := cmd.Nominee()
		if err != nil {
			return nil, err
		}
		return []model.Activity{draft(model.Activity{
			Source:        model.SourceNomination,
			SourceEventID: cmd.InteractionID,
			Author:        cmd.UserID,
			Subject:       nominee,
			OccurredAt:    cmd.At.UTC(),
		})}, nil
	}

	if n.IsEngagement(name) {
		return []model.Activity{draft(model.Activity{
			Source:        model.SourceCommandEngagement,
			Milestone:     name,
			SourceEventID: cmd.InteractionID,
			Author:        cmd.UserID,
			OccurredAt:    cmd.At.UTC(),
		})}, nil
	}
	return nil, nil
}
