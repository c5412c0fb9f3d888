package storage

import "errors"

var (
	// ErrMissingDSN is returned when a database backend has no DSN.
	ErrMissingDSN = errors.New("database DSN is required")

	// ErrUnsupportedType is returned by Open for non-SQL stats types.
	ErrUnsupportedType = errors.New("unsupported stats storage type")
)
