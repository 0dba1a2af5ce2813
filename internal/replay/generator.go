package replay

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Builder is one synthetic builder and the score the plan should produce.
type Builder struct {
	ChatUserID string
	Username   string
	ID         string
	Expected   int64
	// LinkEarly builders link their username before any push is sent;
	// the rest are linked afterwards and rely on catch-up.
	LinkEarly bool
}

// Delivery is one signed webhook request.
type Delivery struct {
	ID      string
	Author  string
	Commits int
	Body    []byte
	Resent  bool
}

// Plan is the full set of builders and deliveries for a run.
type Plan struct {
	Builders   []*Builder
	Deliveries []Delivery
}

type pushCommit struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Commits []pushCommit `json:"commits"`
}

// NewPlan generates builders and shuffled push deliveries from cfg.
// The same seed yields the same builders, commit counts and order.
func NewPlan(cfg Config, now time.Time) (*Plan, error) {
	cfg = cfg.withDefaults()
	tag := cfg.RunTag
	if tag == "" {
		tag = strconv.FormatInt(now.Unix(), 36)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	plan := &Plan{Builders: make([]*Builder, cfg.Builders)}
	for i := range plan.Builders {
		plan.Builders[i] = &Builder{
			ChatUserID: fmt.Sprintf("replay-%s-%04d", tag, i),
			Username:   fmt.Sprintf("replay-%s-%04d", tag, i),
			LinkEarly:  i%2 == 0,
		}
	}

	for _, b := range plan.Builders {
		for p := 0; p < cfg.PushesPerBuilder; p++ {
			commits := 1 + rng.IntN(cfg.MaxCommits)
			body, err := pushBody(cfg.Repository, b.Username, commits, now)
			if err != nil {
				return nil, err
			}
			d := Delivery{ID: uuid.NewString(), Author: b.Username, Commits: commits, Body: body}
			plan.Deliveries = append(plan.Deliveries, d)
			b.Expected += int64(commits) * cfg.CommitWeight

			if rng.Float64() < cfg.DuplicateRate {
				d.Resent = true
				plan.Deliveries = append(plan.Deliveries, d)
			}
		}
	}

	rng.Shuffle(len(plan.Deliveries), func(i, j int) {
		plan.Deliveries[i], plan.Deliveries[j] = plan.Deliveries[j], plan.Deliveries[i]
	})
	return plan, nil
}

// Resent returns how many deliveries in the plan are redeliveries.
func (p *Plan) Resent() int {
	n := 0
	for _, d := range p.Deliveries {
		if d.Resent {
			n++
		}
	}
	return n
}

func pushBody(repo, author string, commits int, now time.Time) ([]byte, error) {
	head := strings.ReplaceAll(uuid.NewString(), "-", "")
	p := pushPayload{Ref: "refs/heads/main", After: head, Commits: make([]pushCommit, commits)}
	p.Repository.FullName = repo
	p.Sender.Login = author
	for i := range p.Commits {
		p.Commits[i].ID = fmt.Sprintf("%s-%d", head, i)
		p.Commits[i].Timestamp = now.UTC().Format(time.RFC3339)
		p.Commits[i].Author.Username = author
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal push: %w", err)
	}
	return body, nil
}
