// Package ingest turns raw webhook deliveries and chat commands into
// activity drafts. It does no I/O and never touches scores.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/builderscore/internal/domain/model"
)

// Code-host event types.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventIssues      = "issues"
	EventPing        = "ping"
)

type account struct {
	Login string `json:"login"`
}

type repository struct {
	FullName string `json:"full_name"`
}

type commit struct {
	ID        string `json:"id"`
	Distinct  *bool  `json:"distinct"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"author"`
}

type pushPayload struct {
	Ref        string     `json:"ref"`
	After      string     `json:"after"`
	Deleted    bool       `json:"deleted"`
	Repository repository `json:"repository"`
	Sender     account    `json:"sender"`
	Commits    []commit   `json:"commits"`
}

type pullRequestPayload struct {
	Action      string     `json:"action"`
	Number      int        `json:"number"`
	Repository  repository `json:"repository"`
	Sender      account    `json:"sender"`
	PullRequest *struct {
		Number    int     `json:"number"`
		Merged    bool    `json:"merged"`
		User      account `json:"user"`
		CreatedAt string  `json:"created_at"`
		MergedAt  string  `json:"merged_at"`
	} `json:"pull_request"`
}

type issuesPayload struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Sender     account    `json:"sender"`
	Issue      *struct {
		Number    int     `json:"number"`
		User      account `json:"user"`
		CreatedAt string  `json:"created_at"`
	} `json:"issue"`
}

// FromWebhook normalizes one code-host delivery. Discarded events return no
// activities and no error. Any malformed input rejects the whole delivery.
// A zero OccurredAt means the payload carried no usable timestamp.
func (n *Normalizer) FromWebhook(eventType, deliveryID string, body []byte) ([]model.Activity, error) {
	switch eventType {
	case EventPush:
		return n.fromPush(deliveryID, body)
	case EventPullRequest:
		return n.fromPullRequest(deliveryID, body)
	case EventIssues:
		return n.fromIssues(deliveryID, body)
	default:
		return nil, nil
	}
}

func malformed(deliveryID, format string, args ...any) error {
	return fmt.Errorf("%w: delivery %s: %s", ErrMalformedPayload, deliveryID, fmt.Sprintf(format, args...))
}

func (n *Normalizer) fromPush(deliveryID string, body []byte) ([]model.Activity, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, malformed(deliveryID, "decode push: %v", err)
	}
	if p.Deleted {
		return nil, nil
	}
	if p.Repository.FullName == "" || p.After == "" {
		return nil, malformed(deliveryID, "push without repository or head")
	}

	type tally struct {
		count  int64
		latest time.Time
	}
	var order []string
	byAuthor := map[string]*tally{}
	for _, c := range p.Commits {
		if c.Distinct != nil && !*c.Distinct {
			continue
		}
		author := c.Author.Username
		if author == "" {
			author = p.Sender.Login
		}
		if author == "" {
			return nil, malformed(deliveryID, "commit %s has no author", c.ID)
		}
		key := model.NormalizeUsername(author)
		t, ok := byAuthor[key]
		if !ok {
			t = &tally{}
			byAuthor[key] = t
			order = append(order, key)
		}
		t.count++
		if ts := parseTime(c.Timestamp); ts.After(t.latest) {
			t.latest = ts
		}
	}

	out := make([]model.Activity, 0, len(order))
	for _, author := range order {
		t := byAuthor[author]
		out = append(out, draft(model.Activity{
			Source:        model.SourceCodeCommit,
			SourceEventID: fmt.Sprintf("%s@%s:%s", p.Repository.FullName, p.After, author),
			Author:        author,
			Quantity:      t.count,
			OccurredAt:    t.latest,
		}))
	}
	return out, nil
}

func (n *Normalizer) fromPullRequest(deliveryID string, body []byte) ([]model.Activity, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, malformed(deliveryID, "decode pull_request: %v", err)
	}

	var milestone, ts string
	switch {
	case p.Action == "opened":
		milestone = model.MilestoneOpened
	case p.Action == "closed" && p.PullRequest != nil && p.PullRequest.Merged:
		milestone = model.MilestoneMerged
	default:
		return nil, nil
	}
	if p.PullRequest == nil || p.Repository.FullName == "" {
		return nil, malformed(deliveryID, "pull_request without pull_request or repository")
	}
	number := p.Number
	if number == 0 {
		number = p.PullRequest.Number
	}
	author := p.PullRequest.User.Login
	if author == "" {
		author = p.Sender.Login
	}
	if number == 0 || author == "" {
		return nil, malformed(deliveryID, "pull_request without number or author")
	}
	ts = p.PullRequest.CreatedAt
	if milestone == model.MilestoneMerged {
		ts = p.PullRequest.MergedAt
	}

	return []model.Activity{draft(model.Activity{
		Source:        model.SourceCodePR,
		Milestone:     milestone,
		SourceEventID: fmt.Sprintf("pull_request:%s#%d:%s", p.Repository.FullName, number, milestone),
		Author:        model.NormalizeUsername(author),
		OccurredAt:    parseTime(ts),
	})}, nil
}

func (n *Normalizer) fromIssues(deliveryID string, body []byte) ([]model.Activity, error) {
	var p issuesPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, malformed(deliveryID, "decode issues: %v", err)
	}
	if p.Action != "opened" {
		return nil, nil
	}
	if p.Issue == nil || p.Repository.FullName == "" || p.Issue.Number == 0 {
		return nil, malformed(deliveryID, "issues without issue or repository")
	}
	author := p.Issue.User.Login
	if author == "" {
		author = p.Sender.Login
	}
	if author == "" {
		return nil, malformed(deliveryID, "issue without author")
	}

	return []model.Activity{draft(model.Activity{
		Source:        model.SourceCodeIssue,
		Milestone:     model.MilestoneOpened,
		SourceEventID: fmt.Sprintf("issues:%s#%d:opened", p.Repository.FullName, p.Issue.Number),
		Author:        model.NormalizeUsername(author),
		OccurredAt:    parseTime(p.Issue.CreatedAt),
	})}, nil
}

func draft(a model.Activity) model.Activity {
	if a.Quantity <= 0 {
		a.Quantity = 1
	}
	a.Status = model.StatusPendingAttribution
	return a
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
