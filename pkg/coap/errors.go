package coap

import "errors"

// Endpoint errors.
var (
	// ErrClosed is returned when using a stopped endpoint.
	ErrClosed = errors.New("coap: endpoint closed")

	// ErrNoHandler is returned when a server is created without a handler.
	ErrNoHandler = errors.New("coap: no handler")

	// ErrNotSent is returned when the reliability layer dropped an outbound
	// message, e.g. because no message ID was available.
	ErrNotSent = errors.New("coap: message not sent")

	// ErrTimeout is returned when a confirmable message was never acknowledged.
	ErrTimeout = errors.New("coap: transmission timeout")

	// ErrReset is returned when the peer rejected a message with RST.
	ErrReset = errors.New("coap: reset by peer")

	// ErrTokenInUse is returned when a request reuses the token of a request
	// still waiting for its response.
	ErrTokenInUse = errors.New("coap: token in use")

	// ErrNotRequest is returned when Do is called with a non-request message.
	ErrNotRequest = errors.New("coap: not a request")
)
