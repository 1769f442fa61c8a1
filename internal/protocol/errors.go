package protocol

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by rendezvous, connection and dispatch.
var (
	ErrNotSupported       = errors.New("protocol: not supported for this role")
	ErrServerNotAvailable = errors.New("protocol: server not available")
	ErrMalformed          = errors.New("protocol: malformed data")
	ErrNotFound           = errors.New("protocol: rendezvous not found")
	ErrUnreachable        = errors.New("protocol: server unreachable")
	ErrOutOfResource      = errors.New("protocol: out of resource")
	ErrSecurityFailure    = errors.New("protocol: security failure")
	ErrProtocolFailure    = errors.New("protocol: protocol failure")
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
)

// StatusError carries a non-success status code returned by the server.
type StatusError struct {
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: server status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrProtocolFailure
}

// Unreachable wraps err as ErrUnreachable while keeping the cause inspectable.
func Unreachable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, op, err)
}
