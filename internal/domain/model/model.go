// Package model contains domain models passed between layers.
package model

import (
	"strings"
	"time"
)

// Source identifies where an activity came from.
type Source string

const (
	SourceCodeCommit        Source = "code_commit"
	SourceCodePR            Source = "code_pr"
	SourceCodeIssue         Source = "code_issue"
	SourceNomination        Source = "nomination"
	SourceCommandEngagement Source = "command_engagement"
)

// CodeOrigin reports whether the author is a code-host username.
func (s Source) CodeOrigin() bool {
	switch s {
	case SourceCodeCommit, SourceCodePR, SourceCodeIssue:
		return true
	default:
		return false
	}
}

// Milestones used by code sources.
const (
	MilestoneOpened = "opened"
	MilestoneMerged = "merged"
)

// ActivityStatus tracks an activity through attribution and scoring.
type ActivityStatus string

const (
	StatusPendingAttribution ActivityStatus = "pending_attribution"
	StatusScored             ActivityStatus = "scored"
	StatusRejected           ActivityStatus = "rejected"
)

// Builder is a canonical contributor identity.
type Builder struct {
	ID               string    `json:"id" bson:"_id"`
	ChatUserID       string    `json:"chat_user_id" bson:"chat_user_id"`
	CodeHostUsername string    `json:"codehost_username,omitempty" bson:"codehost_username,omitempty"`
	WalletAddress    string    `json:"wallet_address,omitempty" bson:"wallet_address,omitempty"`
	Score            int64     `json:"score" bson:"score"`
	Active           bool      `json:"active" bson:"active"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
}

// NormalizeUsername lower-cases a code-host username for storage and lookup.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Activity is one normalized contribution signal.
type Activity struct {
	ID            string         `json:"id" bson:"_id"`
	Source        Source         `json:"source" bson:"source"`
	Milestone     string         `json:"milestone,omitempty" bson:"milestone,omitempty"`
	SourceEventID string         `json:"source_event_id" bson:"source_event_id"`
	Author        string         `json:"author" bson:"author"`
	Subject       string         `json:"subject,omitempty" bson:"subject,omitempty"`
	Quantity      int64          `json:"quantity" bson:"quantity"`
	BuilderID     string         `json:"builder_id,omitempty" bson:"builder_id,omitempty"`
	Points        int64          `json:"points" bson:"points"`
	OccurredAt    time.Time      `json:"occurred_at" bson:"occurred_at"`
	Status        ActivityStatus `json:"status" bson:"status"`
}

// WeightKey is the scoring table key: "source" or "source.milestone".
func (a Activity) WeightKey() string {
	if a.Milestone == "" {
		return string(a.Source)
	}
	return string(a.Source) + "." + a.Milestone
}

// Credited returns the raw identifier that receives the points.
func (a Activity) Credited() string {
	if a.Subject != "" {
		return a.Subject
	}
	return a.Author
}

// Units returns Quantity, treating zero as one.
func (a Activity) Units() int64 {
	if a.Quantity <= 0 {
		return 1
	}
	return a.Quantity
}

// LedgerEntry is an immutable score movement.
type LedgerEntry struct {
	ID           string    `json:"id" bson:"_id"`
	BuilderID    string    `json:"builder_id" bson:"builder_id"`
	ActivityID   string    `json:"activity_id" bson:"activity_id"`
	Key          string    `json:"key" bson:"key"`
	Delta        int64     `json:"delta" bson:"delta"`
	RunningTotal int64     `json:"running_total" bson:"running_total"`
	Reason       string    `json:"reason,omitempty" bson:"reason,omitempty"`
	AppliedAt    time.Time `json:"applied_at" bson:"applied_at"`
}

// NominationStatus is the limiter outcome stored with a nomination.
type NominationStatus string

const (
	NominationRecorded          NominationStatus = "recorded"
	NominationRejectedDuplicate NominationStatus = "rejected_duplicate"
	NominationRejectedRate      NominationStatus = "rejected_rate_limited"
)

// Nomination records one peer nomination attempt.
type Nomination struct {
	ID          string           `json:"id" bson:"_id"`
	EventID     string           `json:"event_id" bson:"event_id"`
	NominatorID string           `json:"nominator_id" bson:"nominator_id"`
	NomineeID   string           `json:"nominee_id" bson:"nominee_id"`
	Week        string           `json:"week" bson:"week"`
	Status      NominationStatus `json:"status" bson:"status"`
	CreatedAt   time.Time        `json:"created_at" bson:"created_at"`
}

// SnapshotEntry is one ranked row of a snapshot.
type SnapshotEntry struct {
	BuilderID string `json:"builder_id" bson:"builder_id"`
	Score     int64  `json:"score" bson:"score"`
	Rank      int    `json:"rank" bson:"rank"`
}

// LeaderboardSnapshot is an immutable capture of the full ranking.
type LeaderboardSnapshot struct {
	ID      string          `json:"id" bson:"_id"`
	TakenAt time.Time       `json:"taken_at" bson:"taken_at"`
	Entries []SnapshotEntry `json:"entries" bson:"entries"`
}

// ScoreUpdate notifies the leaderboard that a builder's total changed.
type ScoreUpdate struct {
	BuilderID string
	Score     int64
	Delta     int64
	CreatedAt time.Time
	Active    bool
}
