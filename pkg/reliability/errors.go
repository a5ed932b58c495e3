package reliability

import "errors"

// Reliability errors.
var (
	// ErrInvalidParams is returned for unusable timing parameters.
	ErrInvalidParams = errors.New("reliability: invalid parameters")

	// ErrNoMessageID is returned when every message ID for a remote endpoint
	// is still allocated.
	ErrNoMessageID = errors.New("reliability: no message ID available")

	// ErrMissingDependency is returned when a handler is built without a
	// required collaborator.
	ErrMissingDependency = errors.New("reliability: missing dependency")
)
