package repository

import "errors"

// Sentinel kinds for leaderboard errors.
var (
	ErrUnranked     = errors.New("builder is not ranked")
	ErrInvalidLimit = errors.New("invalid leaderboard limit")
)
