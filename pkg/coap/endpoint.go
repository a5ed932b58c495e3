// Package coap provides CoAP server and client endpoints over UDP.
//
// An endpoint decodes datagrams, passes them through a reliability handler
// chain and hands what survives to the application. Outbound messages take
// the reverse path. ACKs, RSTs and retransmissions generated by the
// reliability handlers are encoded and sent directly.
package coap

import (
	"fmt"
	"net"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/reliability"
	"github.com/backkem/coap/pkg/scheduler"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// EndpointConfig holds the settings shared by Server and Client.
type EndpointConfig struct {
	// Conn is an optional pre-existing PacketConn, e.g. one side of a
	// transport.Pipe. If nil, a UDP socket is bound to ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Conn is provided. Default: ephemeral port
	ListenAddr string

	// Params are the reliability timing parameters.
	// Zero fields take the RFC 7252 defaults.
	Params reliability.Params

	// Scheduler runs reliability timers. If nil, the endpoint creates and
	// owns one.
	Scheduler *scheduler.Scheduler

	// Bus receives exchange lifecycle events. If nil, the endpoint creates
	// one; see Bus().
	Bus *reliability.EventBus

	// Random seeds message IDs and retransmission timeouts.
	// Default: reliability.DefaultRandomSource
	Random reliability.RandomSource

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// endpoint is the transport and reliability plumbing shared by Server and
// Client.
type endpoint struct {
	log       logging.LeveledLogger
	udp       *transport.UDP
	sched     *scheduler.Scheduler
	ownsSched bool
	bus       *reliability.EventBus
	chain     reliability.Chain

	// deliver receives messages the inbound chain forwarded.
	deliver func(msg *message.Message, from transport.Endpoint)

	// closers release handler state on stop, in order.
	closers []func()
}

func newEndpoint(config EndpointConfig, scope string) (*endpoint, error) {
	if err := config.Params.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	e := &endpoint{
		sched: config.Scheduler,
		bus:   config.Bus,
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger(scope)
	}
	if e.sched == nil {
		e.sched = scheduler.New(scheduler.Config{LoggerFactory: config.LoggerFactory})
		e.ownsSched = true
	}
	if e.bus == nil {
		e.bus = reliability.NewEventBus()
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:           config.Conn,
		ListenAddr:     config.ListenAddr,
		MessageHandler: e.handleDatagram,
		LoggerFactory:  config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("coap: transport: %w", err)
	}
	e.udp = udp
	return e, nil
}

// Send implements reliability.Sender: it encodes msg and transmits it
// without passing the handler chain.
func (e *endpoint) Send(msg *message.Message, remote transport.Endpoint) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if e.log != nil {
		e.log.Tracef("-> %s %s", remote, msg)
	}
	return e.udp.Send(data, remote)
}

// transmit runs msg through the outbound chain and sends it.
func (e *endpoint) transmit(msg *message.Message, remote transport.Endpoint) error {
	if !e.chain.HandleOutbound(msg, remote) {
		return ErrNotSent
	}
	return e.Send(msg, remote)
}

func (e *endpoint) handleDatagram(rm *transport.ReceivedMessage) {
	msg, err := message.Decode(rm.Data)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("dropping malformed datagram from %s: %v", rm.From, err)
		}
		return
	}
	if e.log != nil {
		e.log.Tracef("<- %s %s", rm.From, msg)
	}

	if e.chain.HandleInbound(msg, rm.From) && e.deliver != nil {
		e.deliver(msg, rm.From)
	}
}

func (e *endpoint) start() error {
	return e.udp.Start()
}

func (e *endpoint) stop() error {
	err := e.udp.Stop()
	for _, c := range e.closers {
		c()
	}
	if e.ownsSched {
		e.sched.Stop()
	}
	return err
}

// LocalEndpoint returns the bound address.
func (e *endpoint) LocalEndpoint() transport.Endpoint {
	return e.udp.LocalEndpoint()
}

// Bus returns the event bus the endpoint publishes lifecycle events on.
func (e *endpoint) Bus() *reliability.EventBus {
	return e.bus
}
