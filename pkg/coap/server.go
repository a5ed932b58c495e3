package coap

import (
	"context"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/reliability"
	"github.com/backkem/coap/pkg/transport"
)

// Handler produces the response to a request.
//
// Build the response with message.NewResponse(req, code) so it carries the
// request's token and message ID; the server decides whether it goes out
// piggy-backed or separately. Returning nil sends no response; a
// confirmable request is then only acknowledged.
type Handler interface {
	ServeCoAP(ctx context.Context, req *message.Message, from transport.Endpoint) *message.Message
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *message.Message, from transport.Endpoint) *message.Message

// ServeCoAP calls f(ctx, req, from).
func (f HandlerFunc) ServeCoAP(ctx context.Context, req *message.Message, from transport.Endpoint) *message.Message {
	return f(ctx, req, from)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	EndpointConfig

	// Handler serves requests. Required.
	Handler Handler
}

// Server answers CoAP requests.
//
// Each forwarded request runs the handler on its own goroutine, so a slow
// handler leads to an empty ACK followed by a separate response.
type Server struct {
	ep      *endpoint
	handler Handler
	inbound *reliability.ServerInbound
	out     *reliability.ServerOutbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer creates a server. Call Start to begin serving.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	e, err := newEndpoint(config.EndpointConfig, "coap-endpoint")
	if err != nil {
		return nil, err
	}

	out, err := reliability.NewServerOutbound(reliability.ServerOutboundConfig{
		Scheduler:     e.sched,
		Sender:        e,
		Bus:           e.bus,
		Params:        config.Params,
		Random:        config.Random,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	in, err := reliability.NewServerInbound(reliability.ServerInboundConfig{
		Scheduler:     e.sched,
		Sender:        e,
		Params:        config.Params,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		ep:      e,
		handler: config.Handler,
		inbound: in,
		out:     out,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	e.chain = reliability.NewChain(out, in)
	e.deliver = s.dispatch
	e.closers = []func(){in.Close, out.Close}
	return s, nil
}

// Start begins receiving requests.
func (s *Server) Start() error {
	return s.ep.start()
}

// Stop closes the transport, waits for running handlers and releases
// reliability state. Responses produced after Stop are discarded.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.ep.stop()
}

// Notify sends a server-initiated message such as an observe notification.
// It gets a message ID and, if confirmable, is retransmitted until
// acknowledged. ErrNotSent means the message was folded into a pending
// confirmable notification for the same token, or no message ID was free.
func (s *Server) Notify(msg *message.Message, remote transport.Endpoint) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.ep.transmit(msg, remote)
}

// LocalEndpoint returns the address the server is bound to.
func (s *Server) LocalEndpoint() transport.Endpoint {
	return s.ep.LocalEndpoint()
}

// Bus returns the event bus the server publishes lifecycle events on.
func (s *Server) Bus() *reliability.EventBus {
	return s.ep.Bus()
}

// Stats returns the sizes of the server's reliability tables.
func (s *Server) Stats() Stats {
	return Stats{
		PendingRequests:        s.inbound.Pending(),
		PendingRetransmissions: s.out.Pending(),
	}
}

func (s *Server) dispatch(msg *message.Message, from transport.Endpoint) {
	if msg.Kind() != message.KindRequest {
		if msg.Type == message.TypeCON {
			_ = s.ep.Send(message.NewReset(msg.ID), from)
		}
		if s.ep.log != nil {
			s.ep.log.Debugf("ignoring %s from %s", msg, from)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		// Releases the request when no response made it through the chain
		defer s.inbound.Abandon(from, msg.ID)

		resp := s.handler.ServeCoAP(s.ctx, msg, from)
		if resp == nil || s.ctx.Err() != nil {
			return
		}
		if err := s.ep.transmit(resp, from); err != nil && s.ep.log != nil {
			s.ep.log.Warnf("failed to send response to %s: %v", from, err)
		}
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
