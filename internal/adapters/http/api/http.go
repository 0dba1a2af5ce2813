// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/logger"
)

// Dependencies required by HTTP handlers. Each handler depends only on its
// own slice of this bundle.
type Dependencies interface {
	WebhookDependencies
	CommandDependencies
	BuilderDependencies
	CorrectionDependencies
	LeaderboardDependencies
	SnapshotDependencies
}

// Entry mirrors the read shape returned by leaderboard queries.
type Entry = types.Entry

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 5 << 20

// Server wires HTTP routes for the business API.
type Server struct {
	opsHandler         *OpsHandler
	webhookHandler     *WebhookHandler
	commandsHandler    *CommandsHandler
	buildersHandler    *BuildersHandler
	correctionsHandler *CorrectionsHandler
	leaderboardHandler *LeaderboardHandler
	snapshotsHandler   *SnapshotsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	v := identity.NewValidator()
	s := &Server{
		opsHandler:         NewOpsHandler(statsProvider),
		webhookHandler:     NewWebhookHandler(deps),
		commandsHandler:    NewCommandsHandler(deps),
		buildersHandler:    NewBuildersHandler(deps, v),
		correctionsHandler: NewCorrectionsHandler(deps, v),
		leaderboardHandler: NewLeaderboardHandler(deps, deps.MaxLeaderboardLimit()),
		snapshotsHandler:   NewSnapshotsHandler(deps),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.opsHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.opsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /webhooks/github", MetricsMiddleware(s.webhookHandler.HandlePostWebhook, "webhooks"))
	mux.HandleFunc("POST /commands", MetricsMiddleware(s.commandsHandler.HandlePostCommand, "commands"))

	mux.HandleFunc("GET /builders/{id}", MetricsMiddleware(s.buildersHandler.HandleGetProfile, "builders"))
	mux.HandleFunc("GET /builders/{id}/ledger", MetricsMiddleware(s.buildersHandler.HandleGetLedger, "ledger"))
	mux.HandleFunc("PUT /builders/{id}/codehost", MetricsMiddleware(s.buildersHandler.HandlePutCodeHost, "link_codehost"))
	mux.HandleFunc("PUT /builders/{id}/wallet", MetricsMiddleware(s.buildersHandler.HandlePutWallet, "link_wallet"))
	mux.HandleFunc("POST /builders/{id}/deactivate", MetricsMiddleware(s.buildersHandler.HandleDeactivate, "deactivate"))

	mux.HandleFunc("POST /corrections", MetricsMiddleware(s.correctionsHandler.HandlePostCorrection, "corrections"))

	mux.HandleFunc("GET /leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("GET /rank/{id}", MetricsMiddleware(s.leaderboardHandler.HandleGetRank, "rank"))

	mux.HandleFunc("POST /snapshots", MetricsMiddleware(s.snapshotsHandler.HandlePostSnapshot, "snapshots"))
	mux.HandleFunc("GET /snapshots/latest", MetricsMiddleware(s.snapshotsHandler.HandleGetLatest, "snapshots"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure classifies err and writes it. Server errors are logged.
func writeFailure(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error(ctx, "request failed", logger.String("code", code), logger.Error(err))
	}
	writeError(w, status, code, err)
}

// decode reads a JSON body into v and validates it when v carries tags.
func decode(w http.ResponseWriter, r *http.Request, v any, validate *validator.Validate) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	if validate != nil {
		return validate.Struct(v)
	}
	return nil
}
