package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"

	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/domain/model"
)

// BuilderDependencies defines the interface for builder profile operations.
type BuilderDependencies interface {
	Profile(ctx context.Context, builderID string) (service.Profile, error)
	Ledger(ctx context.Context, builderID string) (service.LedgerView, error)
	LinkCodeHost(ctx context.Context, builderID, username string) (service.LinkResult, error)
	LinkWallet(ctx context.Context, builderID, address string) (model.Builder, error)
	Deactivate(ctx context.Context, builderID string) (model.Builder, error)
}

type linkCodeHostRequest struct {
	Username string `json:"username" validate:"required,codehost_username"`
}

type linkWalletRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

// BuildersHandler handles builder profile and linking requests.
type BuildersHandler struct {
	deps     BuilderDependencies
	validate *validator.Validate
}

// NewBuildersHandler creates a new builders handler.
func NewBuildersHandler(deps BuilderDependencies, validate *validator.Validate) *BuildersHandler {
	return &BuildersHandler{deps: deps, validate: validate}
}

// HandleGetProfile handles GET /builders/{id} requests.
func (h *BuildersHandler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Profile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.get_profile", err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleGetLedger handles GET /builders/{id}/ledger requests.
func (h *BuildersHandler) HandleGetLedger(w http.ResponseWriter, r *http.Request) {
	v, err := h.deps.Ledger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.get_ledger", err))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandlePutCodeHost handles PUT /builders/{id}/codehost requests.
func (h *BuildersHandler) HandlePutCodeHost(w http.ResponseWriter, r *http.Request) {
	const op = "api.link_codehost"
	var req linkCodeHostRequest
	if err := decode(w, r, &req, h.validate); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.LinkCodeHost(r.Context(), r.PathValue("id"), req.Username)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePutWallet handles PUT /builders/{id}/wallet requests.
func (h *BuildersHandler) HandlePutWallet(w http.ResponseWriter, r *http.Request) {
	const op = "api.link_wallet"
	var req linkWalletRequest
	if err := decode(w, r, &req, h.validate); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	b, err := h.deps.LinkWallet(r.Context(), r.PathValue("id"), req.Address)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleDeactivate handles POST /builders/{id}/deactivate requests.
func (h *BuildersHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Deactivate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(r.Context(), w, Wrap("api.deactivate", err))
		return
	}
	writeJSON(w, http.StatusOK, b)
}
