package service

import "errors"

// Sentinel errors surfaced to the transport layer.
var (
	ErrBackpressure   = errors.New("activity queue is full")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotStarted     = errors.New("service not started")
)
