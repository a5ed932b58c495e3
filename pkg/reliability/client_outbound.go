package reliability

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// ClientOutboundConfig configures a ClientOutbound handler.
type ClientOutboundConfig struct {
	// Scheduler runs retransmission timers. Required.
	Scheduler *scheduler.Scheduler

	// Sender transmits retransmissions. Required.
	Sender Sender

	// Bus receives lifecycle events.
	Bus *EventBus

	// Params are the timing parameters. Zero fields take their defaults.
	Params Params

	// Random seeds message IDs and initial timeouts. Default: DefaultRandomSource
	Random RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ClientOutbound assigns message IDs to requests and pings and retransmits
// confirmable ones until they are acknowledged, reset or answered.
type ClientOutbound struct {
	log    logging.LeveledLogger
	bus    *EventBus
	params Params
	ids    *MessageIDFactory
	table  *RetransmitTable
}

// NewClientOutbound creates a ClientOutbound handler.
func NewClientOutbound(config ClientOutboundConfig) (*ClientOutbound, error) {
	params := config.Params.WithDefaults()
	h := &ClientOutbound{
		bus:    config.Bus,
		params: params,
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("coap-client-out")
	}

	table, err := NewRetransmitTable(RetransmitConfig{
		Scheduler:     config.Scheduler,
		Sender:        config.Sender,
		Bus:           config.Bus,
		Params:        params,
		Random:        config.Random,
		OnGiveUp:      h.giveUp,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	h.table = table

	h.ids = NewMessageIDFactory(MessageIDFactoryConfig{
		Lifetime:      params.ExchangeLifetime,
		Random:        config.Random,
		OnRelease:     h.released,
		LoggerFactory: config.LoggerFactory,
	})
	return h, nil
}

// HandleInbound matches acknowledgements, resets and responses against
// pending requests.
func (h *ClientOutbound) HandleInbound(msg *message.Message, remote transport.Endpoint) bool {
	switch msg.Kind() {
	case message.KindEmpty:
		switch msg.Type {
		case message.TypeACK:
			if x, ok := h.table.Stop(remote, msg.ID); ok {
				h.bus.Publish(EmptyAckReceivedEvent{x})
			}
			return false
		case message.TypeRST:
			if x, ok := h.table.Stop(remote, msg.ID); ok {
				h.bus.Publish(ResetReceivedEvent{x})
			}
			return false
		}
		return true

	case message.KindResponse:
		if msg.Type == message.TypeACK {
			if _, ok := h.table.Stop(remote, msg.ID); !ok {
				if h.log != nil {
					h.log.Warnf("dropping piggy-backed response for unknown request: remote=%s id=%s", remote, msg.ID)
				}
				return false
			}
			return true
		}
		// A separate response also answers the request.
		h.table.StopToken(remote, msg.Token)
		return true

	case message.KindRequest, message.KindReserved:
		return true
	}
	return true
}

// HandleOutbound implements Handler.
func (h *ClientOutbound) HandleOutbound(msg *message.Message, remote transport.Endpoint) bool {
	switch {
	case msg.Kind() == message.KindRequest:
	case msg.IsPing():
	default:
		return true
	}

	if !msg.ID.IsDefined() {
		id, err := h.ids.Allocate(remote, msg.Token)
		if err != nil {
			h.bus.Publish(NoMessageIDAvailableEvent{ExchangeID{Remote: remote, MessageID: msg.ID, Token: msg.Token}})
			return false
		}
		msg.ID = id
		h.bus.Publish(MessageIDAssignedEvent{ExchangeID{Remote: remote, MessageID: id, Token: msg.Token}})
	}

	switch msg.Type {
	case message.TypeCON:
		h.table.Add(msg, remote)
	case message.TypeNON:
		h.table.Track(msg, remote, h.params.NonLifetime)
	}
	return true
}

// Cancel stops retransmission of the request with the given token.
func (h *ClientOutbound) Cancel(remote transport.Endpoint, token message.Token) bool {
	_, ok := h.table.StopToken(remote, token)
	return ok
}

// CancelMessage stops retransmission of the message with the given ID. It
// is the only handle on a ping, which has no token.
func (h *ClientOutbound) CancelMessage(remote transport.Endpoint, id message.MessageID) bool {
	_, ok := h.table.Stop(remote, id)
	return ok
}

// Pending returns the number of requests awaiting acknowledgement.
func (h *ClientOutbound) Pending() int {
	return h.table.Len()
}

// Close stops all retransmissions and drops message ID allocations.
func (h *ClientOutbound) Close() {
	h.table.Close()
	h.ids.Close()
}

func (h *ClientOutbound) giveUp(x ExchangeID) {
	if h.log != nil {
		h.log.Infof("request not acknowledged: %s", x)
	}
	h.bus.Publish(MiscellaneousErrorEvent{ExchangeID: x, Description: "retransmission limit reached"})
	h.bus.Publish(TransmissionTimeoutEvent{x})
	h.bus.Publish(TokenReleasedEvent{x})
}

func (h *ClientOutbound) released(x ExchangeID) {
	h.bus.Publish(MessageIDReleasedEvent{x})
}
