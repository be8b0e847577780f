package domain

import "errors"

// Sentinel errors for the engine. Handlers map these to HTTP statuses; the
// delivery engine wraps them with context via fmt.Errorf and %w.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("storage unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidInput    = errors.New("invalid input")
)
