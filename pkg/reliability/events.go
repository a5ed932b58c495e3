package reliability

import (
	"fmt"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// ExchangeID identifies the exchange an event refers to.
type ExchangeID struct {
	Remote    transport.Endpoint
	MessageID message.MessageID
	Token     message.Token
}

// Exchange returns the exchange identity. It makes every event type that
// embeds ExchangeID satisfy Event.
func (x ExchangeID) Exchange() ExchangeID {
	return x
}

func (x ExchangeID) String() string {
	return fmt.Sprintf("remote=%s id=%s token=%s", x.Remote, x.MessageID, x.Token)
}

// Event is an exchange lifecycle notification.
type Event interface {
	Exchange() ExchangeID
}

// MessageIDAssignedEvent is published when an outbound message got a fresh ID.
type MessageIDAssignedEvent struct{ ExchangeID }

// MessageIDReleasedEvent is published when an ID's exchange lifetime ended.
type MessageIDReleasedEvent struct{ ExchangeID }

// NoMessageIDAvailableEvent is published when an outbound message was dropped
// because every message ID for the remote endpoint is allocated.
type NoMessageIDAvailableEvent struct{ ExchangeID }

// EmptyAckReceivedEvent is published when a confirmable request was
// acknowledged without a piggy-backed response.
type EmptyAckReceivedEvent struct{ ExchangeID }

// ResetReceivedEvent is published when the peer rejected a message with RST.
type ResetReceivedEvent struct{ ExchangeID }

// MessageRetransmittedEvent is published after each retransmission.
type MessageRetransmittedEvent struct {
	ExchangeID
	// Retransmission is the 1-based retransmission number.
	Retransmission int
}

// TransmissionTimeoutEvent is published when a confirmable message was never
// acknowledged.
type TransmissionTimeoutEvent struct{ ExchangeID }

// MiscellaneousErrorEvent reports a failure that abandoned an exchange.
type MiscellaneousErrorEvent struct {
	ExchangeID
	Description string
}

// RemoteEndpointChangedEvent moves an exchange to a new remote endpoint.
// ExchangeID.Remote is the new endpoint.
type RemoteEndpointChangedEvent struct {
	ExchangeID
	Previous transport.Endpoint
}

// TokenReleasedEvent marks the end of an exchange: no further responses are
// expected for the token.
type TokenReleasedEvent struct{ ExchangeID }

// EventBus delivers lifecycle events to subscribers.
//
// Publish is synchronous and is called from I/O and timer goroutines, so
// subscribers must not block. Subscribers may publish further events.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

type subscription struct {
	id uint64
	fn func(Event)
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for all events and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber, in subscription order.
// A nil bus discards the event.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
