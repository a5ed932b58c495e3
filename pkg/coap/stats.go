package coap

// Stats are the sizes of an endpoint's reliability tables.
type Stats struct {
	// PendingRequests is the number of requests the server is still
	// working on.
	PendingRequests int

	// PendingRetransmissions is the number of confirmable messages awaiting
	// acknowledgement.
	PendingRetransmissions int

	// AwaitedTokens is the number of tokens the client expects responses for.
	AwaitedTokens int
}
