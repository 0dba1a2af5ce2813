package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/adapters/repository"
	"github.com/okian/builderscore/internal/adapters/storage/memstore"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/nomination"
	. "github.com/smartystreets/goconvey/convey"
)

// linked registers chatUserID and links username, returning the builder id.
func linked(svc *service.Service, chatUserID, username string) string {
	ctx := context.Background()
	res, err := svc.HandleCommand(ctx, command("start-"+chatUserID, chatUserID, ingest.CommandStart))
	So(err, ShouldBeNil)
	_, err = svc.LinkCodeHost(ctx, res.Builder.ID, username)
	So(err, ShouldBeNil)
	return res.Builder.ID
}

func settle(svc *service.Service) {
	So(eventually(func() bool { return svc.GetStats()["queueLength"] == 0 }), ShouldBeTrue)
	time.Sleep(50 * time.Millisecond)
}

func TestServiceNominations(t *testing.T) {
	Convey("Given two registered builders", t, func() {
		svc, store := newService(service.WithNominationQuota(2))
		ctx := context.Background()
		for _, u := range []string{"ann", "ben", "cat", "dan"} {
			_, err := svc.HandleCommand(ctx, command("start-"+u, u, ingest.CommandStart))
			So(err, ShouldBeNil)
		}

		Convey("Self and unknown nominations are rejected", func() {
			_, err := svc.HandleCommand(ctx, command("n-1", "ann", ingest.CommandNominate, "@ann"))
			So(errors.Is(err, nomination.ErrSelfNomination), ShouldBeTrue)

			_, err = svc.HandleCommand(ctx, command("n-2", "ann", ingest.CommandNominate, "nobody"))
			So(errors.Is(err, nomination.ErrUnknownNominee), ShouldBeTrue)

			_, err = svc.HandleCommand(ctx, command("n-3", "ann", ingest.CommandNominate))
			So(errors.Is(err, ingest.ErrMalformedPayload), ShouldBeTrue)
		})

		Convey("A recorded nomination credits the nominee", func() {
			res, err := svc.HandleCommand(ctx, command("n-4", "ann", ingest.CommandNominate, "@ben"))
			So(err, ShouldBeNil)
			So(res.Nomination.Status, ShouldEqual, model.NominationRecorded)
			So(res.Nomination.Week, ShouldEqual, "2026-W42")
			So(eventually(func() bool { return scoreOf(store, "ben") == 4 }), ShouldBeTrue)

			Convey("Replaying the interaction returns the stored outcome", func() {
				again, err := svc.HandleCommand(ctx, command("n-4", "ann", ingest.CommandNominate, "@ben"))
				So(err, ShouldBeNil)
				So(again.Nomination.ID, ShouldEqual, res.Nomination.ID)
				settle(svc)
				So(scoreOf(store, "ben"), ShouldEqual, 4)
			})

			Convey("Nominating the same builder again this week is a duplicate", func() {
				dup, err := svc.HandleCommand(ctx, command("n-5", "ann", ingest.CommandNominate, "ben"))
				So(err, ShouldBeNil)
				So(dup.Nomination.Status, ShouldEqual, model.NominationRejectedDuplicate)
				settle(svc)
				So(scoreOf(store, "ben"), ShouldEqual, 4)
			})

			Convey("The weekly quota caps distinct nominations", func() {
				second, err := svc.HandleCommand(ctx, command("n-6", "ann", ingest.CommandNominate, "cat"))
				So(err, ShouldBeNil)
				So(second.Nomination.Status, ShouldEqual, model.NominationRecorded)

				third, err := svc.HandleCommand(ctx, command("n-7", "ann", ingest.CommandNominate, "dan"))
				So(err, ShouldBeNil)
				So(third.Nomination.Status, ShouldEqual, model.NominationRejectedRate)

				settle(svc)
				So(scoreOf(store, "dan"), ShouldEqual, 0)

				next, err := svc.HandleCommand(ctx, ingest.Command{
					InteractionID: "n-8", Name: ingest.CommandNominate, UserID: "ann",
					Args: []string{"dan"}, At: now.Add(7 * 24 * time.Hour),
				})
				So(err, ShouldBeNil)
				So(next.Nomination.Status, ShouldEqual, model.NominationRecorded)
				So(next.Nomination.Week, ShouldEqual, "2026-W43")
			})
		})
	})
}

// flakyNominationStore fails the next InsertNomination, or stores a
// competing rejected row first when race is set.
type flakyNominationStore struct {
	*memstore.Store
	mu   sync.Mutex
	fail bool
	race bool
}

var errNominationOutage = errors.New("store outage")

func (s *flakyNominationStore) InsertNomination(ctx context.Context, n model.Nomination) error {
	s.mu.Lock()
	fail, race := s.fail, s.race
	s.fail, s.race = false, false
	s.mu.Unlock()

	switch {
	case fail:
		return errNominationOutage
	case race:
		rival := n
		rival.ID = n.ID + "-rival"
		rival.Status = model.NominationRejectedDuplicate
		if err := s.Store.InsertNomination(ctx, rival); err != nil {
			return err
		}
	}
	return s.Store.InsertNomination(ctx, n)
}

func TestServiceNominationFailures(t *testing.T) {
	Convey("Given a nomination store that can fail", t, func() {
		store := &flakyNominationStore{Store: memstore.New()}
		svc := service.New(store,
			service.WithWorkerCount(2),
			service.WithSchedules("", ""),
			service.WithClock(func() time.Time { return now }),
		)
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)
		Reset(func() { _ = svc.Stop(ctx) })
		for _, u := range []string{"alice", "bob"} {
			_, err := svc.HandleCommand(ctx, command("start-"+u, u, ingest.CommandStart))
			So(err, ShouldBeNil)
		}

		Convey("A failed insert releases the reservation so a retry is recorded", func() {
			store.fail = true
			_, err := svc.HandleCommand(ctx, command("n-1", "alice", ingest.CommandNominate, "bob"))
			So(errors.Is(err, errNominationOutage), ShouldBeTrue)

			res, err := svc.HandleCommand(ctx, command("n-1", "alice", ingest.CommandNominate, "bob"))
			So(err, ShouldBeNil)
			So(res.Nomination.Status, ShouldEqual, model.NominationRecorded)
			So(eventually(func() bool { return scoreOf(store.Store, "bob") == 4 }), ShouldBeTrue)
		})

		Convey("Losing an insert race to a rejected row frees the slot", func() {
			store.race = true
			res, err := svc.HandleCommand(ctx, command("n-2", "alice", ingest.CommandNominate, "bob"))
			So(err, ShouldBeNil)
			So(res.Nomination.Status, ShouldEqual, model.NominationRejectedDuplicate)
			settle(svc)
			So(scoreOf(store.Store, "bob"), ShouldEqual, 0)

			next, err := svc.HandleCommand(ctx, command("n-3", "alice", ingest.CommandNominate, "bob"))
			So(err, ShouldBeNil)
			So(next.Nomination.Status, ShouldEqual, model.NominationRecorded)
			So(eventually(func() bool { return scoreOf(store.Store, "bob") == 4 }), ShouldBeTrue)
		})
	})
}

func TestServiceLedgerOperations(t *testing.T) {
	Convey("Given a linked builder with scored pushes", t, func() {
		svc, store := newService()
		ctx := context.Background()
		gus := linked(svc, "chat-gus", "gus")
		hal := linked(svc, "chat-hal", "hal")

		_, err := deliver(svc, ingest.EventPush, "d-1", push("g1", "gus", 4))
		So(err, ShouldBeNil)
		_, err = deliver(svc, ingest.EventPush, "d-2", push("h1", "hal", 2))
		So(err, ShouldBeNil)
		So(eventually(func() bool {
			return scoreOf(store, "chat-gus") == 4 && scoreOf(store, "chat-hal") == 2
		}), ShouldBeTrue)

		Convey("Corrections append a compensating entry once", func() {
			a, err := store.ActivityBySource(ctx, model.SourceCodeCommit, "org/repo@g1:gus")
			So(err, ShouldBeNil)

			res, err := svc.Correct(ctx, a.ID, "c-1", -3, "double counted")
			So(err, ShouldBeNil)
			So(res.Applied, ShouldBeTrue)
			So(res.Total, ShouldEqual, 1)

			again, err := svc.Correct(ctx, a.ID, "c-1", -3, "double counted")
			So(err, ShouldBeNil)
			So(again.Applied, ShouldBeFalse)
			So(again.Total, ShouldEqual, 1)

			view, err := svc.Ledger(ctx, gus)
			So(err, ShouldBeNil)
			So(view.Entries, ShouldHaveLength, 2)
			So(view.Conservation.LedgerSum, ShouldEqual, 1)
			So(view.Conservation.Balanced, ShouldBeTrue)

			top, err := svc.TopK(ctx, 10)
			So(err, ShouldBeNil)
			So(top[0].BuilderID, ShouldEqual, hal)
		})

		Convey("Deactivation unranks the builder and rejects later activity", func() {
			b, err := svc.Deactivate(ctx, gus)
			So(err, ShouldBeNil)
			So(b.Active, ShouldBeFalse)

			_, err = svc.RankOf(ctx, gus)
			So(errors.Is(err, repository.ErrUnranked), ShouldBeTrue)

			_, err = deliver(svc, ingest.EventPush, "d-3", push("g2", "gus", 3))
			So(err, ShouldBeNil)
			So(eventually(func() bool {
				a, err := store.ActivityBySource(ctx, model.SourceCodeCommit, "org/repo@g2:gus")
				return err == nil && a.Status == model.StatusRejected
			}), ShouldBeTrue)
			So(scoreOf(store, "chat-gus"), ShouldEqual, 4)

			_, err = svc.Deactivate(ctx, "missing")
			So(errors.Is(err, identity.ErrUnknownBuilder), ShouldBeTrue)
		})

		Convey("Snapshots capture the ranking", func() {
			snap, err := svc.TakeSnapshot(ctx)
			So(err, ShouldBeNil)
			So(snap.Entries, ShouldHaveLength, 2)
			So(snap.Entries[0].BuilderID, ShouldEqual, gus)
			So(snap.Entries[0].Rank, ShouldEqual, 1)
			So(snap.Entries[1].Rank, ShouldEqual, 2)

			latest, err := svc.LatestSnapshot(ctx)
			So(err, ShouldBeNil)
			So(latest.ID, ShouldEqual, snap.ID)
		})

		Convey("Profiles carry the current rank", func() {
			p, err := svc.Profile(ctx, hal)
			So(err, ShouldBeNil)
			So(p.Builder.Score, ShouldEqual, 2)
			So(p.Rank.Rank, ShouldEqual, 2)

			_, err = svc.Profile(ctx, "missing")
			So(errors.Is(err, identity.ErrUnknownBuilder), ShouldBeTrue)
		})
	})
}

func TestServicePendingSweep(t *testing.T) {
	Convey("Given a parked activity whose author was linked out of band", t, func() {
		svc, store := newService()
		ctx := context.Background()

		_, err := deliver(svc, ingest.EventPush, "d-1", push("i1", "ivy", 2))
		So(err, ShouldBeNil)
		settle(svc)

		res, err := svc.HandleCommand(ctx, command("i-1", "chat-ivy", ingest.CommandStart))
		So(err, ShouldBeNil)
		So(store.SetUsername(ctx, res.Builder.ID, "ivy"), ShouldBeNil)

		Convey("The sweep attributes and scores it", func() {
			n, err := svc.SweepPending(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(scoreOf(store, "chat-ivy"), ShouldEqual, 2)

			n, err = svc.SweepPending(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})
	})
}

func TestServiceOrderIndependence(t *testing.T) {
	Convey("Given the same deliveries in different orders", t, func() {
		authors := []string{"amy", "bo", "cy", "di", "ed"}
		type delivery struct {
			id   string
			body []byte
		}
		var deliveries []delivery
		for i, a := range authors {
			for j := 0; j <= i; j++ {
				deliveries = append(deliveries, delivery{
					id:   fmt.Sprintf("d-%s-%d", a, j),
					body: push(fmt.Sprintf("%s%d", a, j), a, 1),
				})
			}
		}

		ranking := func(seed int64) []string {
			store := memstore.New()
			svc := service.New(store, service.WithWebhookSecret(secret), service.WithSchedules("", ""), service.WithWorkerCount(4))
			ctx := context.Background()
			So(svc.Start(ctx), ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()

			for _, a := range authors {
				linked(svc, "chat-"+a, a)
			}
			order := rand.New(rand.NewSource(seed)).Perm(len(deliveries))
			for _, i := range order {
				_, err := deliver(svc, ingest.EventPush, deliveries[i].id, deliveries[i].body)
				So(err, ShouldBeNil)
			}
			So(eventually(func() bool { return scoreOf(store, "chat-ed") == 5 && scoreOf(store, "chat-amy") == 1 }), ShouldBeTrue)
			settle(svc)

			top, err := svc.TopK(ctx, 10)
			So(err, ShouldBeNil)
			out := make([]string, len(top))
			for i, e := range top {
				b, err := store.GetBuilder(ctx, e.BuilderID)
				So(err, ShouldBeNil)
				out[i] = fmt.Sprintf("%s:%d", b.ChatUserID, e.Score)
			}
			return out
		}

		Convey("The final ranking is identical", func() {
			first := ranking(1)
			So(first, ShouldResemble, []string{"chat-ed:5", "chat-di:4", "chat-cy:3", "chat-bo:2", "chat-amy:1"})
			So(ranking(42), ShouldResemble, first)
		})
	})
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given concurrent redeliveries of the same pushes", t, func() {
		svc, store := newService(service.WithWorkerCount(4))
		ctx := context.Background()
		linked(svc, "chat-kim", "kim")

		var wg sync.WaitGroup
		for g := range 8 {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := range 20 {
					idx := (i + g) % 20
					_, _ = deliver(svc, ingest.EventPush, fmt.Sprintf("d-%d", idx), push(fmt.Sprintf("k%d", idx), "kim", 1))
				}
			}(g)
		}
		wg.Wait()

		Convey("Each push is credited exactly once", func() {
			So(eventually(func() bool { return scoreOf(store, "chat-kim") == 20 }), ShouldBeTrue)
			settle(svc)
			So(scoreOf(store, "chat-kim"), ShouldEqual, 20)

			b, _ := store.BuilderByChatUser(ctx, "chat-kim")
			view, err := svc.Ledger(ctx, b.ID)
			So(err, ShouldBeNil)
			So(view.Entries, ShouldHaveLength, 20)
			So(view.Conservation.Balanced, ShouldBeTrue)
		})
	})
}
