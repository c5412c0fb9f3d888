package ratelimit

import "errors"

var (
	// ErrInvalidConfig is returned when a controller or registry is built from
	// a non-positive capacity or window.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrUnknownCapability is returned by Registry.Get for names it was not built with.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrAlreadyStarted is returned when a sweep or stats writer is started twice.
	ErrAlreadyStarted = errors.New("already started")
)
