package api

import (
	"context"
	"net/http"

	"github.com/okian/builderscore/internal/domain/model"
)

// SnapshotDependencies defines the interface for recap snapshots.
type SnapshotDependencies interface {
	TakeSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error)
	LatestSnapshot(ctx context.Context) (model.LeaderboardSnapshot, error)
}

// SnapshotsHandler handles snapshot requests.
type SnapshotsHandler struct {
	deps SnapshotDependencies
}

// NewSnapshotsHandler creates a new snapshots handler.
func NewSnapshotsHandler(deps SnapshotDependencies) *SnapshotsHandler {
	return &SnapshotsHandler{deps: deps}
}

// HandlePostSnapshot handles POST /snapshots requests.
func (h *SnapshotsHandler) HandlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.TakeSnapshot(r.Context())
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.take_snapshot", err))
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// HandleGetLatest handles GET /snapshots/latest requests.
func (h *SnapshotsHandler) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.LatestSnapshot(r.Context())
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.latest_snapshot", err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
