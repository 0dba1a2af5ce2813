package api

import (
	"context"
	"net/http"
	"strconv"
)

const defaultPageSize = 10

// LeaderboardDependencies are the ranking reads.
type LeaderboardDependencies interface {
	TopK(ctx context.Context, n int) ([]Entry, error)
	RankOf(ctx context.Context, builderID string) (Entry, error)
	MaxLeaderboardLimit() int
}

// LeaderboardHandler serves the top of the board and single ranks.
type LeaderboardHandler struct {
	deps     LeaderboardDependencies
	maxLimit int
}

// NewLeaderboardHandler creates a leaderboard handler. Limits above maxLimit
// are rejected.
func NewLeaderboardHandler(deps LeaderboardDependencies, maxLimit int) *LeaderboardHandler {
	return &LeaderboardHandler{deps: deps, maxLimit: maxLimit}
}

// HandleGetLeaderboard handles GET /leaderboard?limit=N.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_leaderboard"
	n, code := h.pageSize(r.URL.Query().Get("limit"))
	if code != "" {
		writeError(w, http.StatusBadRequest, code, NewKind(op, ErrBadRequest))
		return
	}
	entries, err := h.deps.TopK(r.Context(), n)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGetRank handles GET /rank/{id}. Unranked builders answer 404 with
// code "unranked".
func (h *LeaderboardHandler) HandleGetRank(w http.ResponseWriter, r *http.Request) {
	entry, err := h.deps.RankOf(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.get_rank", err))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// pageSize parses the limit parameter. It returns an error code instead of a
// size when the value is unusable.
func (h *LeaderboardHandler) pageSize(raw string) (int, string) {
	if raw == "" {
		return min(defaultPageSize, h.maxLimit), ""
	}
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil || n < 1:
		return 0, "bad_request"
	case n > h.maxLimit:
		return 0, "limit_exceeded"
	}
	return n, ""
}
