package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when an invalid endpoint is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoHandler is returned when no message handler is configured.
	ErrNoHandler = errors.New("transport: no message handler configured")

	// ErrAlreadyStarted is returned when Start is called on an already running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrMessageTooLarge is returned when a datagram exceeds the maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")
)
