package api

import (
	"context"
	"net/http"

	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/domain/ingest"
)

// CommandDependencies defines the interface for chat command dispatch.
type CommandDependencies interface {
	HandleCommand(ctx context.Context, cmd ingest.Command) (service.CommandResult, error)
}

// CommandsHandler handles chat commands relayed over HTTP.
type CommandsHandler struct {
	deps CommandDependencies
}

// NewCommandsHandler creates a new commands handler.
func NewCommandsHandler(deps CommandDependencies) *CommandsHandler {
	return &CommandsHandler{deps: deps}
}

// HandlePostCommand handles POST /commands requests.
func (h *CommandsHandler) HandlePostCommand(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_command"
	var cmd ingest.Command
	if err := decode(w, r, &cmd, nil); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.HandleCommand(r.Context(), cmd)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
