package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"

	service "github.com/okian/builderscore/internal/app"
)

// CorrectionDependencies defines the interface for ledger corrections.
type CorrectionDependencies interface {
	Correct(ctx context.Context, activityID, correctionID string, delta int64, reason string) (service.CorrectionResult, error)
}

type correctionRequest struct {
	ActivityID   string `json:"activity_id" validate:"required"`
	CorrectionID string `json:"correction_id" validate:"required"`
	Delta        int64  `json:"delta" validate:"required"`
	Reason       string `json:"reason" validate:"max=200"`
}

// CorrectionsHandler handles correction requests.
type CorrectionsHandler struct {
	deps     CorrectionDependencies
	validate *validator.Validate
}

// NewCorrectionsHandler creates a new corrections handler.
func NewCorrectionsHandler(deps CorrectionDependencies, validate *validator.Validate) *CorrectionsHandler {
	return &CorrectionsHandler{deps: deps, validate: validate}
}

// HandlePostCorrection handles POST /corrections requests. A replayed
// correction id answers 200 with applied=false.
func (h *CorrectionsHandler) HandlePostCorrection(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_correction"
	var req correctionRequest
	if err := decode(w, r, &req, h.validate); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	res, err := h.deps.Correct(r.Context(), req.ActivityID, req.CorrectionID, req.Delta, req.Reason)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}
