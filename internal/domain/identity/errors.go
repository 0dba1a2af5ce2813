package identity

import "errors"

// Sentinel errors for identity resolution.
var (
	ErrUnresolvedAttribution = errors.New("unresolved attribution")
	ErrAlreadyLinked         = errors.New("identifier already linked to another builder")
	ErrUnknownBuilder        = errors.New("unknown builder")
	ErrInvalidIdentifier     = errors.New("invalid identifier")
)
