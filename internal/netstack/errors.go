package netstack

import "errors"

// Socket error taxonomy. Callers match with errors.Is; the stack wraps
// these with context where useful.
var (
	ErrNotFound               = errors.New("socket not found")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrAlreadyBound           = errors.New("socket already bound")
	ErrAlreadyConnected       = errors.New("socket already connected")
	ErrNotConnected           = errors.New("socket not connected")
	ErrAddressInUse           = errors.New("address in use")
	ErrConnectionRefused      = errors.New("connection refused")
	ErrTimeout                = errors.New("operation timed out")
	ErrInterrupted            = errors.New("operation interrupted")
	ErrBufferFull             = errors.New("buffer full")
	ErrInvalidStateTransition = errors.New("invalid socket state transition")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrPortInUse              = errors.New("port in use")
	ErrInternal               = errors.New("internal error")
)
