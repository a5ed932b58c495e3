// Package reliability implements the CoAP message-exchange reliability layer.
//
// Four handlers sit between the datagram codec and the application:
//
//   - ServerInbound deduplicates requests, schedules delayed empty ACKs and
//     turns responses into piggy-backed ACKs when the ACK has not been sent.
//   - ServerOutbound assigns message IDs to responses and retransmits
//     confirmable ones.
//   - ClientInbound tracks awaited tokens, resets unsolicited responses and
//     acknowledges confirmable ones.
//   - ClientOutbound assigns message IDs to requests and retransmits
//     confirmable ones.
//
// Handlers are combined into a Chain. None of them returns errors: protocol
// anomalies are answered with ACK or RST, or reported on the EventBus.
package reliability

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Handler is one stage of the reliability pipeline.
type Handler interface {
	// HandleInbound processes a decoded datagram. It returns true if the
	// message should be forwarded to the next stage.
	HandleInbound(msg *message.Message, remote transport.Endpoint) bool

	// HandleOutbound processes a message about to be sent. It returns true if
	// sending should proceed. The handler may rewrite msg's type and ID.
	HandleOutbound(msg *message.Message, remote transport.Endpoint) bool
}

// Sender encodes and transmits a message, bypassing the handler chain.
// Handlers use it for ACKs, RSTs and retransmissions.
type Sender interface {
	Send(msg *message.Message, remote transport.Endpoint) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(msg *message.Message, remote transport.Endpoint) error

// Send calls f(msg, remote).
func (f SenderFunc) Send(msg *message.Message, remote transport.Endpoint) error {
	return f(msg, remote)
}

// Chain runs handlers in order: inbound first to last, outbound last to first.
// The first handler is the one closest to the network.
type Chain []Handler

// NewChain creates a chain from network-side to application-side handlers.
func NewChain(handlers ...Handler) Chain {
	return Chain(handlers)
}

// HandleInbound runs the inbound pass and stops at the first handler that
// returns false.
func (c Chain) HandleInbound(msg *message.Message, remote transport.Endpoint) bool {
	for _, h := range c {
		if !h.HandleInbound(msg, remote) {
			return false
		}
	}
	return true
}

// HandleOutbound runs the outbound pass in reverse order and stops at the
// first handler that returns false.
func (c Chain) HandleOutbound(msg *message.Message, remote transport.Endpoint) bool {
	for i := len(c) - 1; i >= 0; i-- {
		if !c[i].HandleOutbound(msg, remote) {
			return false
		}
	}
	return true
}

// exchangeKey identifies a message by remote endpoint and message ID.
type exchangeKey struct {
	remote transport.Endpoint
	id     message.MessageID
}

// tokenKey identifies an exchange by remote endpoint and token.
type tokenKey struct {
	remote transport.Endpoint
	token  message.Token
}
