package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain taxonomy. Services wrap these with
// context via fmt.Errorf("...: %w", ...) and callers match with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrDeferred     = errors.New("accepted but deferred")
	ErrUpstream     = errors.New("upstream unavailable")
)

// Code returns the stable machine-readable code for an error, or
// "internal" when the error is outside the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrDeferred):
		return "deferred"
	case errors.Is(err, ErrUpstream):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Unauthorizedf wraps ErrUnauthorized with a formatted message
func Unauthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnauthorized)...)
}

// BadRequestf wraps ErrBadRequest with a formatted message
func BadRequestf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrBadRequest)...)
}

// Conflictf wraps ErrConflict with a formatted message
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// NotFoundf wraps ErrNotFound with a formatted message
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidStatef wraps ErrInvalidState with a formatted message
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidState)...)
}

// Upstreamf wraps ErrUpstream with a formatted message
func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstream)...)
}
