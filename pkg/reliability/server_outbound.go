package reliability

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// ServerOutboundConfig configures a ServerOutbound handler.
type ServerOutboundConfig struct {
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

// ServerOutbound assigns message IDs to responses that need one and
// retransmits confirmable responses (separate responses and notifications).
type ServerOutbound struct {
	log    logging.LeveledLogger
	bus    *EventBus
	params Params
	ids    *MessageIDFactory
	table  *RetransmitTable
}

// NewServerOutbound creates a ServerOutbound handler.
func NewServerOutbound(config ServerOutboundConfig) (*ServerOutbound, error) {
	params := config.Params.WithDefaults()
	h := &ServerOutbound{
		bus:    config.Bus,
		params: params,
	}
	if config.LoggerFactory != nil {
		h.log = config.LoggerFactory.NewLogger("coap-server-out")
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

// HandleInbound consumes empty ACKs and RSTs that answer a confirmable
// response or a tracked notification.
func (h *ServerOutbound) HandleInbound(msg *message.Message, remote transport.Endpoint) bool {
	if msg.Kind() != message.KindEmpty {
		return true
	}

	switch msg.Type {
	case message.TypeACK:
		if x, ok := h.table.Stop(remote, msg.ID); ok && h.log != nil {
			h.log.Tracef("response acknowledged: %s", x)
		}
		return false
	case message.TypeRST:
		x, ok := h.table.Stop(remote, msg.ID)
		if !ok {
			if h.log != nil {
				h.log.Debugf("reset for unknown message: remote=%s id=%s", remote, msg.ID)
			}
			return false
		}
		h.bus.Publish(ResetReceivedEvent{x})
		return false
	}
	return true
}

// HandleOutbound implements Handler.
func (h *ServerOutbound) HandleOutbound(msg *message.Message, remote transport.Endpoint) bool {
	if msg.Kind() != message.KindResponse || msg.Type == message.TypeACK {
		return true
	}

	// A newer notification takes the place of one still being retransmitted.
	if msg.IsUpdateNotification() && h.table.Update(msg, remote) {
		return false
	}

	if !msg.ID.IsDefined() {
		id, err := h.ids.Allocate(remote, msg.Token)
		if err != nil {
			h.bus.Publish(NoMessageIDAvailableEvent{ExchangeID{Remote: remote, Token: msg.Token, MessageID: msg.ID}})
			return false
		}
		msg.ID = id
		h.bus.Publish(MessageIDAssignedEvent{ExchangeID{Remote: remote, MessageID: id, Token: msg.Token}})
	}

	switch msg.Type {
	case message.TypeCON:
		h.table.Add(msg, remote)
	case message.TypeNON:
		if msg.IsUpdateNotification() {
			h.table.Track(msg, remote, h.params.NonLifetime)
		}
	}
	return true
}

// Pending returns the number of responses awaiting acknowledgement.
func (h *ServerOutbound) Pending() int {
	return h.table.Len()
}

// Close stops all retransmissions and drops message ID allocations.
func (h *ServerOutbound) Close() {
	h.table.Close()
	h.ids.Close()
}

func (h *ServerOutbound) giveUp(x ExchangeID) {
	if h.log != nil {
		h.log.Infof("response not acknowledged: %s", x)
	}
	h.bus.Publish(TransmissionTimeoutEvent{x})
}

func (h *ServerOutbound) released(x ExchangeID) {
	h.bus.Publish(MessageIDReleasedEvent{x})
}
