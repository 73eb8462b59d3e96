package courier

import "errors"

// Sentinel errors for the courier domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrNoHandler    = errors.New("no handler registered")
)
