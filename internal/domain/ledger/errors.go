package ledger

import "errors"

// Sentinel errors for the score engine.
var (
	ErrLedgerContention  = errors.New("ledger contention: builder lock retries exhausted")
	ErrUnknownActivity   = errors.New("unknown activity")
	ErrNotScored         = errors.New("activity has not been scored")
	ErrInvalidCorrection = errors.New("correction needs an id and a non-zero delta")

	errLockTimeout = errors.New("builder lock timeout")
)
