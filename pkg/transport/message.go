package transport

// ReceivedMessage represents an incoming datagram.
// Data holds the raw CoAP message; decoding is left to the caller.
type ReceivedMessage struct {
	// Data contains the raw datagram bytes.
	Data []byte
	// From identifies the sender of the datagram.
	From Endpoint
}

// MessageHandler is called for each received datagram.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)
