package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/builderscore/internal/adapters/http/api"
	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/adapters/storage/memstore"
	"github.com/okian/builderscore/internal/domain/ingest"
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

const secret = "s3cret"

type harness struct {
	mux   *http.ServeMux
	svc   *service.Service
	store *memstore.Store
}

func newHarness() *harness {
	store := memstore.New()
	svc := service.New(store,
		service.WithWorkerCount(2),
		service.WithWebhookSecret(secret),
		service.WithMaxLeaderboardLimit(50),
		service.WithSchedules("", ""),
	)
	So(svc.Start(context.Background()), ShouldBeNil)
	Reset(func() { _ = svc.Stop(context.Background()) })

	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(context.Background(), mux)
	return &harness{mux: mux, svc: svc, store: store}
}

func (h *harness) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

func (h *harness) webhook(event, delivery, body, signature string) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, "/webhooks/github", body, map[string]string{
		api.HeaderEvent:     event,
		api.HeaderDelivery:  delivery,
		api.HeaderSignature: signature,
	})
}

// register creates a builder through the commands endpoint.
func (h *harness) register(chatUserID string) model.Builder {
	w := h.do(http.MethodPost, "/commands", fmt.Sprintf(`{"interaction_id":"start-%s","command":"start","user_id":%q}`, chatUserID, chatUserID), nil)
	So(w.Code, ShouldEqual, http.StatusOK)
	var res service.CommandResult
	So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
	So(res.Builder, ShouldNotBeNil)
	return *res.Builder
}

func errorCode(w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return body.Code
}

func pushBody(sha, author string, commits int) string {
	parts := make([]string, commits)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":"%s-%d","timestamp":"2026-10-12T10:00:00Z","author":{"username":%q}}`, sha, i, author)
	}
	return fmt.Sprintf(`{"after":%q,"repository":{"full_name":"org/repo"},"sender":{"login":%q},"commits":[%s]}`,
		sha, author, strings.Join(parts, ","))
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		h := newHarness()

		Convey("Health serves Prometheus metrics", func() {
			w := h.do(http.MethodGet, "/healthz", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "# HELP")
		})

		Convey("Stats reports the service state", func() {
			w := h.do(http.MethodGet, "/stats", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"started":true`)
		})

		Convey("Unknown paths and wrong methods are rejected", func() {
			So(h.do(http.MethodGet, "/unknown", "", nil).Code, ShouldEqual, http.StatusNotFound)
			So(h.do(http.MethodGet, "/webhooks/github", "", nil).Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestWebhookHandler(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		h := newHarness()
		body := pushBody("abc", "bob", 3)

		Convey("A bad signature answers 401", func() {
			w := h.webhook(ingest.EventPush, "d-1", body, "sha256=deadbeef")
			So(w.Code, ShouldEqual, http.StatusUnauthorized)
			So(errorCode(w), ShouldEqual, "invalid_signature")
		})

		Convey("A missing event header answers 400", func() {
			w := h.do(http.MethodPost, "/webhooks/github", body, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A malformed payload answers 400", func() {
			bad := `{"commits":[`
			w := h.webhook(ingest.EventPush, "d-2", bad, ingest.SignatureHeader(secret, []byte(bad)))
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorCode(w), ShouldEqual, "malformed_payload")
		})

		Convey("A discarded event answers 200 ignored", func() {
			ping := `{"zen":"hi"}`
			w := h.webhook(ingest.EventPing, "d-3", ping, ingest.SignatureHeader(secret, []byte(ping)))
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"ignored"`)
		})

		Convey("A valid push answers 202 and a redelivery is a duplicate", func() {
			sig := ingest.SignatureHeader(secret, []byte(body))
			w := h.webhook(ingest.EventPush, "d-4", body, sig)
			So(w.Code, ShouldEqual, http.StatusAccepted)

			var res service.WebhookResult
			So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
			So(res.Activities, ShouldEqual, 1)

			w = h.webhook(ingest.EventPush, "d-4", body, sig)
			So(w.Code, ShouldEqual, http.StatusAccepted)
			So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
			So(res.Duplicates, ShouldEqual, 1)
		})
	})
}

func TestBuildersHandler(t *testing.T) {
	Convey("Given a registered builder", t, func() {
		h := newHarness()
		b := h.register("chat-bob")

		Convey("The profile is served", func() {
			w := h.do(http.MethodGet, "/builders/"+b.ID, "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, b.ID)

			So(h.do(http.MethodGet, "/builders/missing", "", nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Linking validates the username shape", func() {
			w := h.do(http.MethodPut, "/builders/"+b.ID+"/codehost", `{"username":"-nope-"}`, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			w = h.do(http.MethodPut, "/builders/"+b.ID+"/codehost", `{}`, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Linking catches up parked pushes", func() {
			body := pushBody("p1", "bob", 3)
			w := h.webhook(ingest.EventPush, "d-1", body, ingest.SignatureHeader(secret, []byte(body)))
			So(w.Code, ShouldEqual, http.StatusAccepted)
			So(eventually(func() bool { return h.svc.GetStats()["queueLength"] == 0 }), ShouldBeTrue)
			time.Sleep(50 * time.Millisecond)

			w = h.do(http.MethodPut, "/builders/"+b.ID+"/codehost", `{"username":"Bob"}`, nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var link service.LinkResult
			So(json.Unmarshal(w.Body.Bytes(), &link), ShouldBeNil)
			So(link.CaughtUp, ShouldEqual, 1)
			So(link.Builder.Score, ShouldEqual, 3)

			w = h.do(http.MethodGet, "/rank/"+b.ID, "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"rank":1`)

			w = h.do(http.MethodGet, "/builders/"+b.ID+"/ledger", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var view service.LedgerView
			So(json.Unmarshal(w.Body.Bytes(), &view), ShouldBeNil)
			So(view.Entries, ShouldHaveLength, 1)
			So(view.Conservation.Balanced, ShouldBeTrue)

			Convey("A second builder cannot claim the same username", func() {
				other := h.register("chat-imposter")
				w := h.do(http.MethodPut, "/builders/"+other.ID+"/codehost", `{"username":"bob"}`, nil)
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(errorCode(w), ShouldEqual, "already_linked")
			})

			Convey("Corrections adjust the score once", func() {
				a, err := h.store.ActivityBySource(context.Background(), model.SourceCodeCommit, "org/repo@p1:bob")
				So(err, ShouldBeNil)
				req := fmt.Sprintf(`{"activity_id":%q,"correction_id":"c-1","delta":-1,"reason":"revert"}`, a.ID)

				w := h.do(http.MethodPost, "/corrections", req, nil)
				So(w.Code, ShouldEqual, http.StatusCreated)
				w = h.do(http.MethodPost, "/corrections", req, nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"total":2`)

				w = h.do(http.MethodPost, "/corrections", `{"activity_id":"x","correction_id":"c","delta":0}`, nil)
				So(w.Code, ShouldEqual, http.StatusBadRequest)

				w = h.do(http.MethodPost, "/corrections", `{"activity_id":"missing","correction_id":"c","delta":2}`, nil)
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})

			Convey("Deactivation unranks the builder", func() {
				w := h.do(http.MethodPost, "/builders/"+b.ID+"/deactivate", "", nil)
				So(w.Code, ShouldEqual, http.StatusOK)

				w = h.do(http.MethodGet, "/rank/"+b.ID, "", nil)
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(errorCode(w), ShouldEqual, "unranked")
			})
		})

		Convey("Wallets must be Ethereum addresses", func() {
			w := h.do(http.MethodPut, "/builders/"+b.ID+"/wallet", `{"address":"0x123"}`, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			w = h.do(http.MethodPut, "/builders/"+b.ID+"/wallet", `{"address":"0x52908400098527886E0F7030069857D2E4169EE7"}`, nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "0x52908400098527886E0F7030069857D2E4169EE7")
		})
	})
}

func TestCommandsHandler(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		h := newHarness()
		h.register("ann")
		h.register("ben")

		Convey("Invalid bodies and unknown commands answer 400", func() {
			So(h.do(http.MethodPost, "/commands", `not json`, nil).Code, ShouldEqual, http.StatusBadRequest)

			w := h.do(http.MethodPost, "/commands", `{"interaction_id":"i-1","command":"dance","user_id":"ann"}`, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorCode(w), ShouldEqual, "unknown_command")
		})

		Convey("Nominations return their outcome", func() {
			w := h.do(http.MethodPost, "/commands", `{"interaction_id":"n-1","command":"nominate","user_id":"ann","args":["@ben"]}`, nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"recorded"`)

			w = h.do(http.MethodPost, "/commands", `{"interaction_id":"n-2","command":"nominate","user_id":"ann","args":["ben"]}`, nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"status":"rejected_duplicate"`)

			w = h.do(http.MethodPost, "/commands", `{"interaction_id":"n-3","command":"nominate","user_id":"ann","args":["ann"]}`, nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorCode(w), ShouldEqual, "self_nomination")

			w = h.do(http.MethodPost, "/commands", `{"interaction_id":"n-4","command":"nominate","user_id":"ann","args":["ghost"]}`, nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(errorCode(w), ShouldEqual, "unknown_nominee")
		})
	})
}

func TestLeaderboardAndSnapshots(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		h := newHarness()

		Convey("Leaderboard limits are validated", func() {
			So(h.do(http.MethodGet, "/leaderboard", "", nil).Code, ShouldEqual, http.StatusOK)
			So(h.do(http.MethodGet, "/leaderboard?limit=5", "", nil).Code, ShouldEqual, http.StatusOK)
			So(h.do(http.MethodGet, "/leaderboard?limit=0", "", nil).Code, ShouldEqual, http.StatusBadRequest)
			So(h.do(http.MethodGet, "/leaderboard?limit=abc", "", nil).Code, ShouldEqual, http.StatusBadRequest)

			w := h.do(http.MethodGet, "/leaderboard?limit=51", "", nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorCode(w), ShouldEqual, "limit_exceeded")
		})

		Convey("Unknown builders are unranked", func() {
			w := h.do(http.MethodGet, "/rank/nobody", "", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(errorCode(w), ShouldEqual, "unranked")
		})

		Convey("Snapshots are taken and read back", func() {
			So(h.do(http.MethodGet, "/snapshots/latest", "", nil).Code, ShouldEqual, http.StatusNotFound)

			w := h.do(http.MethodPost, "/snapshots", "", nil)
			So(w.Code, ShouldEqual, http.StatusCreated)
			var snap model.LeaderboardSnapshot
			So(json.Unmarshal(w.Body.Bytes(), &snap), ShouldBeNil)

			w = h.do(http.MethodGet, "/snapshots/latest", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, snap.ID)
		})
	})
}

func TestErrorHelpers(t *testing.T) {
	Convey("Given op-tagged errors", t, func() {
		cause := errors.New("boom")

		Convey("WrapKind matches both the kind and the cause", func() {
			err := api.WrapKind("api.op", api.ErrBadRequest, cause)
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: boom")
		})

		Convey("NewKind carries only the kind", func() {
			err := api.NewKind("api.op", api.ErrBackpressure)
			So(errors.Is(err, api.ErrBackpressure), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: backpressure")
		})

		Convey("Wrap of nil is nil", func() {
			So(api.Wrap("api.op", nil), ShouldBeNil)
			So(errors.Is(api.Wrap("api.op", cause), cause), ShouldBeTrue)
		})
	})
}
