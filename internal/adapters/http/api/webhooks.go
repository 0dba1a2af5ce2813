package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	service "github.com/okian/builderscore/internal/app"
)

// Code-host delivery headers.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// WebhookDependencies defines the interface for webhook ingestion.
type WebhookDependencies interface {
	IngestWebhook(ctx context.Context, eventType, deliveryID, signature string, body []byte) (service.WebhookResult, error)
}

// WebhookHandler handles code-host deliveries.
type WebhookHandler struct {
	deps     WebhookDependencies
	maxBytes int64
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(deps WebhookDependencies) *WebhookHandler {
	return &WebhookHandler{deps: deps, maxBytes: maxBodyBytes}
}

// HandlePostWebhook handles POST /webhooks/github requests. The raw body is
// needed for signature verification, so it is read before any decoding.
func (h *WebhookHandler) HandlePostWebhook(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_webhook"

	event := r.Header.Get(HeaderEvent)
	if event == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing "+HeaderEvent)))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.IngestWebhook(r.Context(), event, r.Header.Get(HeaderDelivery), r.Header.Get(HeaderSignature), body)
	if err != nil {
		writeFailure(r.Context(), w, Wrap(op, err))
		return
	}
	if res.Status == "ignored" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
