package ingest

import "errors"

// Sentinel errors for ingestion. A delivery failing with either leaves no state.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSignatureInvalid = errors.New("invalid signature")
)
