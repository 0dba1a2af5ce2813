package ingest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

const pushThreeCommits = `{
  "ref": "refs/heads/main",
  "after": "abc123",
  "repository": {"full_name": "org/repo"},
  "sender": {"login": "Bob"},
  "commits": [
    {"id": "c1", "distinct": true, "timestamp": "2026-10-12T10:00:00Z", "author": {"username": "Bob"}},
    {"id": "c2", "distinct": true, "timestamp": "2026-10-12T10:05:00Z", "author": {"username": "bob"}},
    {"id": "c3", "timestamp": "2026-10-12T10:10:00Z", "author": {}}
  ]
}`

func TestSignature(t *testing.T) {
	Convey("Given a shared secret and a body", t, func() {
		body := []byte(`{"zen":"keep it logically awesome"}`)
		header := ingest.SignatureHeader("s3cret", body)

		Convey("A correct signature verifies", func() {
			So(ingest.VerifySignature("s3cret", body, header), ShouldBeNil)
		})

		Convey("A tampered body fails", func() {
			err := ingest.VerifySignature("s3cret", append(body, ' '), header)
			So(errors.Is(err, ingest.ErrSignatureInvalid), ShouldBeTrue)
		})

		Convey("A wrong secret fails", func() {
			So(errors.Is(ingest.VerifySignature("other", body, header), ingest.ErrSignatureInvalid), ShouldBeTrue)
		})

		Convey("Missing, unprefixed or non-hex headers fail", func() {
			for _, h := range []string{"", header[len("sha256="):], "sha256=zz", "sha1=" + header[len("sha256="):]} {
				So(errors.Is(ingest.VerifySignature("s3cret", body, h), ingest.ErrSignatureInvalid), ShouldBeTrue)
			}
		})

		Convey("An empty secret rejects everything", func() {
			So(errors.Is(ingest.VerifySignature("", body, ingest.SignatureHeader("", body)), ingest.ErrSignatureInvalid),
				ShouldBeTrue)
		})
	})
}

func TestFromWebhookPush(t *testing.T) {
	n := ingest.NewNormalizer()

	Convey("Given a push with three distinct commits by one author", t, func() {
		acts, err := n.FromWebhook(ingest.EventPush, "d-1", []byte(pushThreeCommits))

		Convey("Then one activity with quantity three is produced", func() {
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			a := acts[0]
			So(a.Source, ShouldEqual, model.SourceCodeCommit)
			So(a.Author, ShouldEqual, "bob")
			So(a.Quantity, ShouldEqual, 3)
			So(a.SourceEventID, ShouldEqual, "org/repo@abc123:bob")
			So(a.Status, ShouldEqual, model.StatusPendingAttribution)
			So(a.OccurredAt, ShouldEqual, time.Date(2026, 10, 12, 10, 10, 0, 0, time.UTC))
		})

		Convey("Then the same delivery normalizes identically", func() {
			again, _ := n.FromWebhook(ingest.EventPush, "d-2", []byte(pushThreeCommits))
			So(again, ShouldResemble, acts)
		})
	})

	Convey("Given a push with several authors and non-distinct commits", t, func() {
		body := `{"after":"f00","repository":{"full_name":"org/repo"},"sender":{"login":"carol"},
		  "commits":[
		    {"id":"1","distinct":true,"author":{"username":"alice"}},
		    {"id":"2","distinct":false,"author":{"username":"alice"}},
		    {"id":"3","distinct":true,"author":{"username":"dave"}},
		    {"id":"4","distinct":true,"author":{"username":"alice"}}
		  ]}`
		acts, err := n.FromWebhook(ingest.EventPush, "d-3", []byte(body))

		Convey("Then each author gets one activity counting distinct commits", func() {
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 2)
			So(acts[0].Author, ShouldEqual, "alice")
			So(acts[0].Quantity, ShouldEqual, 2)
			So(acts[1].Author, ShouldEqual, "dave")
			So(acts[1].Quantity, ShouldEqual, 1)
		})
	})

	Convey("Given a deleted-branch push", t, func() {
		acts, err := n.FromWebhook(ingest.EventPush, "d-4", []byte(`{"deleted":true,"after":"000","repository":{"full_name":"o/r"}}`))

		Convey("Then nothing is produced", func() {
			So(err, ShouldBeNil)
			So(acts, ShouldBeEmpty)
		})
	})

	Convey("Given malformed pushes", t, func() {
		for _, body := range []string{
			`{not json`,
			`{"after":"abc","commits":[]}`,
			`{"after":"abc","repository":{"full_name":"o/r"},"commits":[{"id":"1","author":{}}]}`,
		} {
			_, err := n.FromWebhook(ingest.EventPush, "d-5", []byte(body))
			So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
		}
	})
}

func TestFromWebhookPullRequest(t *testing.T) {
	n := ingest.NewNormalizer()
	pr := func(action string, merged bool) []byte {
		m := "false"
		if merged {
			m = "true"
		}
		return []byte(`{"action":"` + action + `","number":42,"repository":{"full_name":"org/repo"},
		  "sender":{"login":"maintainer"},
		  "pull_request":{"number":42,"merged":` + m + `,"user":{"login":"Alice"},
		  "created_at":"2026-10-01T08:00:00Z","merged_at":"2026-10-02T09:00:00Z"}}`)
	}

	Convey("Given pull request deliveries", t, func() {
		Convey("opened produces the opened milestone", func() {
			acts, err := n.FromWebhook(ingest.EventPullRequest, "d", pr("opened", false))
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			So(acts[0].Milestone, ShouldEqual, model.MilestoneOpened)
			So(acts[0].SourceEventID, ShouldEqual, "pull_request:org/repo#42:opened")
			So(acts[0].Author, ShouldEqual, "alice")
		})

		Convey("closed and merged produces the merged milestone credited to the author", func() {
			acts, err := n.FromWebhook(ingest.EventPullRequest, "d", pr("closed", true))
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			So(acts[0].Milestone, ShouldEqual, model.MilestoneMerged)
			So(acts[0].SourceEventID, ShouldEqual, "pull_request:org/repo#42:merged")
			So(acts[0].Author, ShouldEqual, "alice")
			So(acts[0].OccurredAt, ShouldEqual, time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC))
		})

		Convey("every other action is discarded", func() {
			for _, action := range []string{"synchronize", "edited", "labeled", "reopened"} {
				acts, err := n.FromWebhook(ingest.EventPullRequest, "d", pr(action, false))
				So(err, ShouldBeNil)
				So(acts, ShouldBeEmpty)
			}
			acts, err := n.FromWebhook(ingest.EventPullRequest, "d", pr("closed", false))
			So(err, ShouldBeNil)
			So(acts, ShouldBeEmpty)
		})

		Convey("an opened event without a pull request is malformed", func() {
			_, err := n.FromWebhook(ingest.EventPullRequest, "d", []byte(`{"action":"opened","repository":{"full_name":"o/r"}}`))
			So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
		})
	})
}

func TestFromWebhookIssuesAndOthers(t *testing.T) {
	n := ingest.NewNormalizer()

	Convey("Given issue and other deliveries", t, func() {
		Convey("opened issues are scored", func() {
			body := `{"action":"opened","repository":{"full_name":"org/repo"},"issue":{"number":7,"user":{"login":"Dana"}}}`
			acts, err := n.FromWebhook(ingest.EventIssues, "d", []byte(body))
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			So(acts[0].Source, ShouldEqual, model.SourceCodeIssue)
			So(acts[0].SourceEventID, ShouldEqual, "issues:org/repo#7:opened")
			So(acts[0].Author, ShouldEqual, "dana")
		})

		Convey("closed issues are discarded", func() {
			acts, err := n.FromWebhook(ingest.EventIssues, "d", []byte(`{"action":"closed"}`))
			So(err, ShouldBeNil)
			So(acts, ShouldBeEmpty)
		})

		Convey("ping and unknown events are acknowledged without activities", func() {
			for _, ev := range []string{ingest.EventPing, "star", ""} {
				acts, err := n.FromWebhook(ev, "d", []byte(`garbage`))
				So(err, ShouldBeNil)
				So(acts, ShouldBeEmpty)
			}
		})
	})
}

func TestFromCommand(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	n := ingest.NewNormalizer(ingest.WithEngagementCommands("score", "/Leaderboard"))

	Convey("Given chat commands", t, func() {
		Convey("nominate produces a nomination crediting the nominee", func() {
			acts, err := n.FromCommand(ingest.Command{
				InteractionID: "i-1", Name: "/nominate", UserID: "u-1", Args: []string{"@u-2"}, At: at,
			})
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			So(acts[0].Source, ShouldEqual, model.SourceNomination)
			So(acts[0].Author, ShouldEqual, "u-1")
			So(acts[0].Subject, ShouldEqual, "u-2")
			So(acts[0].Credited(), ShouldEqual, "u-2")
			So(acts[0].SourceEventID, ShouldEqual, "i-1")
		})

		Convey("nominate without exactly one nominee is malformed", func() {
			for _, args := range [][]string{nil, {"a", "b"}, {"@"}} {
				_, err := n.FromCommand(ingest.Command{InteractionID: "i", Name: "nominate", UserID: "u", Args: args})
				So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
			}
		})

		Convey("engagement commands produce engagement activities", func() {
			acts, err := n.FromCommand(ingest.Command{InteractionID: "i-2", Name: "leaderboard", UserID: "u-1", At: at})
			So(err, ShouldBeNil)
			So(acts, ShouldHaveLength, 1)
			So(acts[0].Source, ShouldEqual, model.SourceCommandEngagement)
			So(acts[0].WeightKey(), ShouldEqual, "command_engagement.leaderboard")
		})

		Convey("other commands produce nothing", func() {
			acts, err := n.FromCommand(ingest.Command{InteractionID: "i-3", Name: "profile", UserID: "u-1"})
			So(err, ShouldBeNil)
			So(acts, ShouldBeEmpty)
		})

		Convey("commands without ids are malformed", func() {
			_, err := n.FromCommand(ingest.Command{Name: "score", UserID: "u"})
			So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
			_, err = n.FromCommand(ingest.Command{InteractionID: "i", Name: "score"})
			So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
		})
	})
}
