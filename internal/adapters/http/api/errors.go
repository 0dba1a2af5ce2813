package api

import (
	"errors"
	"net/http"

	service "github.com/okian/builderscore/internal/app"
	"github.com/okian/builderscore/internal/adapters/repository"
	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/identity"
	"github.com/okian/builderscore/internal/domain/ingest"
	"github.com/okian/builderscore/internal/domain/ledger"
	"github.com/okian/builderscore/internal/domain/nomination"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrBackpressure = errors.New("backpressure")
	ErrNotFound     = errors.New("not found")
)

// Error is an API error tagged with the operation that produced it.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Kind != nil:
		return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Kind != nil:
		return e.Op + ": " + e.Kind.Error()
	default:
		return e.Op
	}
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap tags err with op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// WrapKind tags err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewKind returns an error of kind with no cause.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// classify maps an error to its HTTP status and response code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, ingest.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, identity.ErrInvalidIdentifier):
		return http.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, repository.ErrInvalidLimit):
		return http.StatusBadRequest, "limit_exceeded"
	case errors.Is(err, ledger.ErrInvalidCorrection):
		return http.StatusBadRequest, "invalid_correction"
	case errors.Is(err, service.ErrUnknownCommand):
		return http.StatusBadRequest, "unknown_command"
	case errors.Is(err, nomination.ErrSelfNomination):
		return http.StatusBadRequest, "self_nomination"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, repository.ErrUnranked):
		return http.StatusNotFound, "unranked"
	case errors.Is(err, nomination.ErrUnknownNominee):
		return http.StatusNotFound, "unknown_nominee"
	case errors.Is(err, identity.ErrUnknownBuilder):
		return http.StatusNotFound, "unknown_builder"
	case errors.Is(err, ledger.ErrUnknownActivity):
		return http.StatusNotFound, "unknown_activity"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, identity.ErrAlreadyLinked):
		return http.StatusConflict, "already_linked"
	case errors.Is(err, ledger.ErrNotScored):
		return http.StatusConflict, "not_scored"
	case errors.Is(err, service.ErrBackpressure), errors.Is(err, ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, ledger.ErrLedgerContention):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_ready"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
