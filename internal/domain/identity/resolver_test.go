package identity_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/okian/builderscore/internal/adapters/storage/memstore"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(m *testing.M) {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

func pendingCommit(id, author string, at time.Time) model.Activity {
	return model.Activity{
		ID: id, Source: model.SourceCodeCommit, SourceEventID: "org/r@" + id + ":" + author,
		Author: author, Quantity: 1, OccurredAt: at, Status: model.StatusPendingAttribution,
	}
}

func TestRegisterAndResolve(t *testing.T) {
	Convey("Given a resolver over an empty store", t, func() {
		ctx := context.Background()
		store := memstore.New()
		r := identity.NewResolver(store, store, identity.WithClock(func() time.Time { return t0 }))

		Convey("When a chat user is seen for the first time", func() {
			b, created, err := r.Register(ctx, "chat-1")

			Convey("Then a builder is created once", func() {
				So(err, ShouldBeNil)
				So(created, ShouldBeTrue)
				So(b.Active, ShouldBeTrue)
				So(b.CreatedAt, ShouldEqual, t0)

				again, created, err := r.Register(ctx, "chat-1")
				So(err, ShouldBeNil)
				So(created, ShouldBeFalse)
				So(again.ID, ShouldEqual, b.ID)
			})
		})

		Convey("When many goroutines register the same chat user", func() {
			var wg sync.WaitGroup
			ids := make([]string, 16)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					b, _, _ := r.Register(ctx, "chat-race")
					ids[i] = b.ID
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one builder exists", func() {
				for _, id := range ids {
					So(id, ShouldEqual, ids[0])
				}
				list, _ := store.ListBuilders(ctx)
				So(list, ShouldHaveLength, 1)
			})
		})

		Convey("When an empty chat user id is registered", func() {
			_, _, err := r.Register(ctx, " ")
			So(errors.Is(err, identity.ErrInvalidIdentifier), ShouldBeTrue)
		})

		Convey("When resolving a chat-origin activity", func() {
			a := model.Activity{Source: model.SourceNomination, Author: "chat-a", Subject: "chat-b"}
			b, err := r.Resolve(ctx, a)

			Convey("Then the credited user is auto-created", func() {
				So(err, ShouldBeNil)
				So(b.ChatUserID, ShouldEqual, "chat-b")
			})
		})

		Convey("When resolving a code activity with no linked username", func() {
			_, err := r.Resolve(ctx, pendingCommit("a1", "bob", t0))

			Convey("Then attribution is unresolved", func() {
				So(errors.Is(err, identity.ErrUnresolvedAttribution), ShouldBeTrue)
			})
		})
	})
}

func TestLinkCodeHostUsername(t *testing.T) {
	Convey("Given two builders and parked commits by bob", t, func() {
		ctx := context.Background()
		store := memstore.New()
		r := identity.NewResolver(store, store)

		alice, _, _ := r.Register(ctx, "chat-alice")
		bob, _, _ := r.Register(ctx, "chat-bob")

		So(store.InsertActivity(ctx, pendingCommit("a2", "Bob", t0.Add(2*time.Hour))), ShouldBeNil)
		So(store.InsertActivity(ctx, pendingCommit("a1", "bob", t0)), ShouldBeNil)
		So(store.InsertActivity(ctx, pendingCommit("a3", "carol", t0)), ShouldBeNil)

		Convey("When bob links his username", func() {
			pending, err := r.LinkCodeHostUsername(ctx, bob.ID, "BOB")

			Convey("Then his parked activities are returned oldest first and attributed", func() {
				So(err, ShouldBeNil)
				So(pending, ShouldHaveLength, 2)
				So(pending[0].ID, ShouldEqual, "a1")
				So(pending[1].ID, ShouldEqual, "a2")
				So(pending[0].BuilderID, ShouldEqual, bob.ID)

				resolved, err := r.Resolve(ctx, pendingCommit("a9", "Bob", t0))
				So(err, ShouldBeNil)
				So(resolved.ID, ShouldEqual, bob.ID)
			})

			Convey("Then linking the same value again is idempotent", func() {
				_, err := r.LinkCodeHostUsername(ctx, bob.ID, "bob")
				So(err, ShouldBeNil)
			})

			Convey("Then another builder cannot claim it", func() {
				_, err := r.LinkCodeHostUsername(ctx, alice.ID, "bob")
				So(errors.Is(err, identity.ErrAlreadyLinked), ShouldBeTrue)
			})

			Convey("Then relinking to a new name releases the old one", func() {
				_, err := r.LinkCodeHostUsername(ctx, bob.ID, "bobby")
				So(err, ShouldBeNil)
				_, err = r.LinkCodeHostUsername(ctx, alice.ID, "bob")
				So(err, ShouldBeNil)
			})
		})

		Convey("When the username has the wrong shape", func() {
			for _, name := range []string{"", "-bob", "bob-", "b--ob", "bob smith", "this-name-is-far-too-long-for-any-code-host"} {
				_, err := r.LinkCodeHostUsername(ctx, bob.ID, name)
				So(errors.Is(err, identity.ErrInvalidIdentifier), ShouldBeTrue)
			}
		})

		Convey("When linking an unknown builder", func() {
			_, err := r.LinkCodeHostUsername(ctx, "nope", "bob")
			So(errors.Is(err, identity.ErrUnknownBuilder), ShouldBeTrue)
		})

		Convey("When the pending sweep runs after a link", func() {
			_, _ = r.LinkCodeHostUsername(ctx, alice.ID, "carol")
			swept, err := r.PendingSweep(ctx)

			Convey("Then every now-resolvable activity is returned with its builder", func() {
				So(err, ShouldBeNil)
				So(swept, ShouldHaveLength, 1)
				So(swept[0].ID, ShouldEqual, "a3")
				So(swept[0].BuilderID, ShouldEqual, alice.ID)
			})
		})
	})
}

func TestConcurrentLinking(t *testing.T) {
	Convey("Given many builders racing for one username", t, func() {
		ctx := context.Background()
		store := memstore.New()
		r := identity.NewResolver(store, store)

		var builders []model.Builder
		for i := 0; i < 8; i++ {
			b, _, _ := r.Register(ctx, fmt.Sprintf("chat-%d", i))
			builders = append(builders, b)
		}

		var wg sync.WaitGroup
		errs := make([]error, len(builders))
		for i, b := range builders {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, errs[i] = r.LinkCodeHostUsername(ctx, id, "shared")
			}(i, b.ID)
		}
		wg.Wait()

		Convey("Then exactly one wins", func() {
			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				So(errors.Is(err, identity.ErrAlreadyLinked), ShouldBeTrue)
			}
			So(wins, ShouldEqual, 1)
		})
	})
}

func TestWalletAndDeactivate(t *testing.T) {
	Convey("Given a registered builder", t, func() {
		ctx := context.Background()
		store := memstore.New()
		r := identity.NewResolver(store, store)
		b, _, _ := r.Register(ctx, "chat-w")

		Convey("Linking a wallet stores it", func() {
			got, err := r.LinkWallet(ctx, b.ID, "0x52908400098527886E0F7030069857D2E4169EE7")
			So(err, ShouldBeNil)
			So(got.WalletAddress, ShouldEqual, "0x52908400098527886E0F7030069857D2E4169EE7")

			_, err = r.LinkWallet(ctx, "missing", "0x52908400098527886E0F7030069857D2E4169EE7")
			So(errors.Is(err, identity.ErrUnknownBuilder), ShouldBeTrue)
		})

		Convey("Malformed wallet addresses are refused", func() {
			for _, addr := range []string{"", "0x1", "52908400098527886E0F7030069857D2E4169EE7", "0xZZ908400098527886E0F7030069857D2E4169EE7"} {
				_, err := r.LinkWallet(ctx, b.ID, addr)
				So(errors.Is(err, identity.ErrInvalidIdentifier), ShouldBeTrue)
			}
		})

		Convey("Deactivating keeps the builder but marks it inactive", func() {
			got, err := r.Deactivate(ctx, b.ID)
			So(err, ShouldBeNil)
			So(got.Active, ShouldBeFalse)

			_, err = r.Deactivate(ctx, "missing")
			So(errors.Is(err, identity.ErrUnknownBuilder), ShouldBeTrue)
		})
	})
}

func TestValidUsername(t *testing.T) {
	Convey("Code-host usernames", t, func() {
		So(identity.ValidUsername("octo-cat"), ShouldBeTrue)
		So(identity.ValidUsername("a"), ShouldBeTrue)
		So(identity.ValidUsername("x1-y2-z3"), ShouldBeTrue)
		So(identity.ValidUsername("-octo"), ShouldBeFalse)
		So(identity.ValidUsername("octo_cat"), ShouldBeFalse)
		So(identity.ValidUsername("octo--cat"), ShouldBeFalse)
	})

	Convey("The shared validator knows the custom tag", t, func() {
		type req struct {
			Username string `validate:"required,codehost_username"`
		}
		v := identity.NewValidator()
		So(v.Struct(req{Username: "octocat"}), ShouldBeNil)
		So(v.Struct(req{Username: "octo cat"}), ShouldNotBeNil)
	})
}
