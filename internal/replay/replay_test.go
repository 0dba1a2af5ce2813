package replay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/builderscore/internal/adapters/http/api"
	"github.com/okian/builderscore/internal/adapters/storage/memstore"
	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const secret = "replay-secret"

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func newTarget(queueSize int) *httptest.Server {
	svc := service.New(memstore.New(),
		service.WithWorkerCount(4),
		service.WithQueueSize(queueSize),
		service.WithWebhookSecret(secret),
		service.WithSchedules("", ""),
	)
	So(svc.Start(context.Background()), ShouldBeNil)

	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(context.Background(), mux)
	srv := httptest.NewServer(mux)
	Reset(func() {
		srv.Close()
		_ = svc.Stop(context.Background())
	})
	return srv
}

func TestNewPlan(t *testing.T) {
	Convey("Given a plan configuration", t, func() {
		cfg := Config{Builders: 4, PushesPerBuilder: 5, MaxCommits: 3, DuplicateRate: 0.5, CommitWeight: 2, Seed: 7, RunTag: "t1"}

		Convey("Expected scores equal weighted commit counts", func() {
			plan, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			So(plan.Builders, ShouldHaveLength, 4)
			So(len(plan.Deliveries)-plan.Resent(), ShouldEqual, 20)

			commits := map[string]int64{}
			for _, d := range plan.Deliveries {
				if !d.Resent {
					commits[d.Author] += int64(d.Commits)
				}
				So(d.Commits, ShouldBeBetweenOrEqual, 1, 3)
			}
			for _, b := range plan.Builders {
				So(b.Expected, ShouldEqual, commits[b.Username]*2)
			}
		})

		Convey("The same seed yields the same commit counts", func() {
			a, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			b, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			So(a.Resent(), ShouldEqual, b.Resent())
			for i := range a.Builders {
				So(a.Builders[i].Expected, ShouldEqual, b.Builders[i].Expected)
				So(a.Builders[i].Username, ShouldEqual, b.Builders[i].Username)
			}
		})

		Convey("Resent deliveries repeat the original body and delivery ID", func() {
			cfg.DuplicateRate = 1
			plan, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			So(plan.Resent(), ShouldEqual, 20)

			bodies := map[string]string{}
			for _, d := range plan.Deliveries {
				if prev, ok := bodies[d.ID]; ok {
					So(string(d.Body), ShouldEqual, prev)
				}
				bodies[d.ID] = string(d.Body)
			}
			So(bodies, ShouldHaveLength, 20)
		})

		Convey("Push bodies carry the builder as commit author", func() {
			plan, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			var p pushPayload
			So(json.Unmarshal(plan.Deliveries[0].Body, &p), ShouldBeNil)
			So(p.Repository.FullName, ShouldEqual, DefaultRepository)
			So(p.Commits, ShouldHaveLength, plan.Deliveries[0].Commits)
			So(p.Commits[0].Author.Username, ShouldEqual, plan.Deliveries[0].Author)
		})

		Convey("Half of the builders link before pushing", func() {
			plan, err := NewPlan(cfg, fixedNow)
			So(err, ShouldBeNil)
			early := 0
			for _, b := range plan.Builders {
				if b.LinkEarly {
					early++
				}
			}
			So(early, ShouldEqual, 2)
		})
	})
}

func TestCheckLeaderboard(t *testing.T) {
	Convey("Given expected scores", t, func() {
		expected := map[string]int64{"a": 9, "b": 4}

		Convey("A consistent board passes, including foreign builders", func() {
			board := []types.Entry{{Rank: 1, BuilderID: "a", Score: 9}, {Rank: 2, BuilderID: "x", Score: 6}, {Rank: 3, BuilderID: "b", Score: 4}}
			So(checkLeaderboard(board, expected), ShouldBeNil)
		})

		Convey("Out of order scores fail", func() {
			board := []types.Entry{{Rank: 1, BuilderID: "b", Score: 4}, {Rank: 2, BuilderID: "a", Score: 9}}
			So(errors.Is(checkLeaderboard(board, expected), ErrMismatch), ShouldBeTrue)
		})

		Convey("Gapped ranks fail", func() {
			board := []types.Entry{{Rank: 1, BuilderID: "a", Score: 9}, {Rank: 3, BuilderID: "b", Score: 4}}
			So(errors.Is(checkLeaderboard(board, expected), ErrMismatch), ShouldBeTrue)
		})

		Convey("A wrong score fails", func() {
			board := []types.Entry{{Rank: 1, BuilderID: "a", Score: 8}}
			So(errors.Is(checkLeaderboard(board, expected), ErrMismatch), ShouldBeTrue)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a running service", t, func() {
		srv := newTarget(1024)
		cfg := Config{
			BaseURL:          srv.URL,
			Secret:           secret,
			Builders:         6,
			PushesPerBuilder: 4,
			MaxCommits:       3,
			DuplicateRate:    0.5,
			Workers:          4,
			Settle:           5 * time.Second,
			PollInterval:     20 * time.Millisecond,
			TopN:             10,
			Seed:             42,
			RunTag:           "run",
		}

		Convey("Every builder converges to the planned score", func() {
			stats, err := Run(context.Background(), cfg)
			So(err, ShouldBeNil)
			So(stats.Builders, ShouldEqual, 6)
			So(stats.Deliveries, ShouldEqual, 24)
			So(stats.Failed, ShouldEqual, 0)
			So(stats.Accepted, ShouldEqual, 24)
			So(stats.Duplicates, ShouldEqual, stats.Resent)
			So(stats.Mismatches, ShouldEqual, 0)
			So(stats.LeaderboardChecks, ShouldEqual, 7)
			So(stats.CaughtUp, ShouldBeGreaterThan, 0)
		})

		Convey("A wrong secret fails every delivery and the scores never match", func() {
			cfg.Secret = "wrong"
			cfg.Settle = 100 * time.Millisecond
			stats, err := Run(context.Background(), cfg)
			So(errors.Is(err, ErrMismatch), ShouldBeTrue)
			So(stats.Failed, ShouldEqual, stats.Deliveries+stats.Resent)
			So(stats.Mismatches, ShouldEqual, 6)
		})
	})

	Convey("Given no service at the base URL", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		Convey("The health check fails", func() {
			_, err := Run(context.Background(), Config{BaseURL: srv.URL, Timeout: time.Second})
			So(err, ShouldNotBeNil)
		})
	})
}
