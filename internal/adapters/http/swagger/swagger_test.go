package swagger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knadh/koanf/parsers/yaml"
	. "github.com/smartystreets/goconvey/convey"
)

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return w
}

func TestRegister(t *testing.T) {
	Convey("Given the docs routes on a mux", t, func() {
		mux := http.NewServeMux()
		Register(context.Background(), mux)

		Convey("The OpenAPI document is served as YAML", func() {
			w := get(mux, "/openapi.yaml")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "application/yaml; charset=utf-8")
			So(w.Body.Bytes(), ShouldResemble, OpenAPI)
		})

		Convey("The docs page loads ReDoc against the document", func() {
			w := get(mux, "/api-docs")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "text/html; charset=utf-8")
			So(w.Body.String(), ShouldContainSubstring, RedocURL)
			So(w.Body.String(), ShouldContainSubstring, "Redoc.init('/openapi.yaml'")
		})

		Convey("Other methods are not routed", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/openapi.yaml", http.NoBody))
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	Convey("A nil mux panics", t, func() {
		So(func() { Register(context.Background(), nil) }, ShouldPanic)
	})
}

func TestOpenAPIDocument(t *testing.T) {
	Convey("Given the embedded document", t, func() {
		doc, err := yaml.Parser().Unmarshal(OpenAPI)
		So(err, ShouldBeNil)
		So(doc["openapi"], ShouldEqual, "3.0.3")

		paths, ok := doc["paths"].(map[string]any)
		So(ok, ShouldBeTrue)

		Convey("Every API route is documented with its method", func() {
			routes := map[string]string{
				"/webhooks/github":          "post",
				"/commands":                 "post",
				"/builders/{id}":            "get",
				"/builders/{id}/ledger":     "get",
				"/builders/{id}/codehost":   "put",
				"/builders/{id}/wallet":     "put",
				"/builders/{id}/deactivate": "post",
				"/corrections":              "post",
				"/leaderboard":              "get",
				"/rank/{id}":                "get",
				"/snapshots":                "post",
				"/snapshots/latest":         "get",
				"/healthz":                  "get",
				"/stats":                    "get",
			}
			for path, method := range routes {
				item, ok := paths[path].(map[string]any)
				So(ok, ShouldBeTrue)
				So(item, ShouldContainKey, method)
			}
		})
	})
}
