package coap

import (
	"context"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/reliability"
	"github.com/backkem/coap/pkg/transport"
)

// DefaultTokenLength is the length of tokens generated for requests that
// have none.
const DefaultTokenLength = 4

// ClientConfig configures a Client.
type ClientConfig struct {
	EndpointConfig
}

// call is a request waiting for its response.
type call struct {
	remote transport.Endpoint
	resp   chan *message.Message
	err    chan error
}

func newCall(remote transport.Endpoint) *call {
	return &call{
		remote: remote,
		resp:   make(chan *message.Message, 1),
		err:    make(chan error, 1),
	}
}

func (c *call) fail(err error) {
	select {
	case c.err <- err:
	default:
	}
}

type callKey struct {
	remote transport.Endpoint
	token  message.Token
}

type pingKey struct {
	remote transport.Endpoint
	id     message.MessageID
}

// Client sends CoAP requests and waits for their responses.
type Client struct {
	ep          *endpoint
	inbound     *reliability.ClientInbound
	out         *reliability.ClientOutbound
	unsubscribe func()

	mu     sync.Mutex
	calls  map[callKey]*call
	pings  map[pingKey]*call
	closed bool
}

// NewClient creates a client. Call Start before sending requests.
func NewClient(config ClientConfig) (*Client, error) {
	e, err := newEndpoint(config.EndpointConfig, "coap-endpoint")
	if err != nil {
		return nil, err
	}

	out, err := reliability.NewClientOutbound(reliability.ClientOutboundConfig{
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
	in, err := reliability.NewClientInbound(reliability.ClientInboundConfig{
		Sender:        e,
		Bus:           e.bus,
		Params:        config.Params,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		ep:      e,
		inbound: in,
		out:     out,
		calls:   make(map[callKey]*call),
		pings:   make(map[pingKey]*call),
	}
	c.unsubscribe = e.bus.Subscribe(c.onEvent)

	e.chain = reliability.NewChain(out, in)
	e.deliver = c.deliver
	e.closers = []func(){c.unsubscribe, in.Close, out.Close}
	return c, nil
}

// Start begins receiving responses.
func (c *Client) Start() error {
	return c.ep.start()
}

// Stop closes the transport and fails all outstanding requests with
// ErrClosed.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	for _, cl := range c.calls {
		cl.fail(ErrClosed)
	}
	for _, cl := range c.pings {
		cl.fail(ErrClosed)
	}
	c.mu.Unlock()

	return c.ep.stop()
}

// Do sends req to remote and waits for the response.
//
// A request without a token gets a random one. The message ID is assigned by
// the reliability layer. Do returns ErrTimeout if a confirmable request is
// never acknowledged, ErrReset if the server rejects it, and ctx.Err() if
// the context ends first. A non-confirmable request is not retransmitted and
// only ends with a response or ctx.
func (c *Client) Do(ctx context.Context, req *message.Message, remote transport.Endpoint) (*message.Message, error) {
	if req.Kind() != message.KindRequest {
		return nil, ErrNotRequest
	}
	if req.Token.IsEmpty() {
		token, err := message.RandomToken(DefaultTokenLength)
		if err != nil {
			return nil, err
		}
		req.Token = token
	}

	k := callKey{remote: remote, token: req.Token}
	cl := newCall(remote)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.calls[k]; ok {
		c.mu.Unlock()
		return nil, ErrTokenInUse
	}
	c.calls[k] = cl
	c.mu.Unlock()

	defer c.finish(cl, req.Token)

	if err := c.ep.transmit(req, remote); err != nil {
		return nil, err
	}

	select {
	case resp := <-cl.resp:
		return resp, nil
	case err := <-cl.err:
		return nil, err
	case <-ctx.Done():
		c.out.Cancel(remote, req.Token)
		return nil, ctx.Err()
	}
}

// Ping sends a CoAP ping (empty CON) and waits for the peer's RST.
func (c *Client) Ping(ctx context.Context, remote transport.Endpoint) error {
	if c.isClosed() {
		return ErrClosed
	}
	ping := message.NewPing()
	if !c.ep.chain.HandleOutbound(ping, remote) {
		return ErrNotSent
	}

	k := pingKey{remote: remote, id: ping.ID}
	cl := newCall(remote)

	c.mu.Lock()
	c.pings[k] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pings, k)
		c.mu.Unlock()
	}()

	if err := c.ep.Send(ping, remote); err != nil {
		c.out.CancelMessage(remote, ping.ID)
		return err
	}

	select {
	case err := <-cl.err:
		if err == ErrReset {
			return nil
		}
		return err
	case <-ctx.Done():
		c.out.CancelMessage(remote, ping.ID)
		return ctx.Err()
	}
}

// ChangeRemote moves an outstanding request to a new remote endpoint, so its
// response is accepted from there.
func (c *Client) ChangeRemote(token message.Token, from, to transport.Endpoint) {
	c.mu.Lock()
	if cl, ok := c.calls[callKey{remote: from, token: token}]; ok {
		delete(c.calls, callKey{remote: from, token: token})
		cl.remote = to
		c.calls[callKey{remote: to, token: token}] = cl
	}
	c.mu.Unlock()

	c.ep.bus.Publish(reliability.RemoteEndpointChangedEvent{
		ExchangeID: reliability.ExchangeID{Remote: to, Token: token},
		Previous:   from,
	})
}

// LocalEndpoint returns the address the client is bound to.
func (c *Client) LocalEndpoint() transport.Endpoint {
	return c.ep.LocalEndpoint()
}

// Bus returns the event bus the client publishes lifecycle events on.
func (c *Client) Bus() *reliability.EventBus {
	return c.ep.Bus()
}

// Stats returns the sizes of the client's reliability tables.
func (c *Client) Stats() Stats {
	return Stats{
		PendingRetransmissions: c.out.Pending(),
		AwaitedTokens:          c.inbound.Len(),
	}
}

// finish forgets the call and releases its token on the endpoint the
// request ended up at.
func (c *Client) finish(cl *call, token message.Token) {
	c.mu.Lock()
	remote := cl.remote
	if c.calls[callKey{remote: remote, token: token}] == cl {
		delete(c.calls, callKey{remote: remote, token: token})
	}
	c.mu.Unlock()

	c.ep.bus.Publish(reliability.TokenReleasedEvent{
		ExchangeID: reliability.ExchangeID{Remote: remote, Token: token},
	})
}

func (c *Client) deliver(msg *message.Message, from transport.Endpoint) {
	if msg.Kind() != message.KindResponse {
		if msg.Kind() == message.KindRequest && msg.Type == message.TypeCON {
			_ = c.ep.Send(message.NewReset(msg.ID), from)
		}
		return
	}

	c.mu.Lock()
	cl, ok := c.calls[callKey{remote: from, token: msg.Token}]
	c.mu.Unlock()
	if !ok {
		if c.ep.log != nil {
			c.ep.log.Debugf("no request waiting for %s from %s", msg, from)
		}
		return
	}

	select {
	case cl.resp <- msg:
	default:
		// Further responses with the same token before Do returned.
	}
}

// onEvent fails requests and completes pings from lifecycle events.
func (c *Client) onEvent(ev reliability.Event) {
	var err error
	switch ev.(type) {
	case reliability.ResetReceivedEvent:
		err = ErrReset
	case reliability.TransmissionTimeoutEvent:
		err = ErrTimeout
	case reliability.NoMessageIDAvailableEvent:
		err = ErrNotSent
	default:
		return
	}
	x := ev.Exchange()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.pings[pingKey{remote: x.Remote, id: x.MessageID}]; ok && x.Token.IsEmpty() {
		cl.fail(err)
		return
	}
	if cl, ok := c.calls[callKey{remote: x.Remote, token: x.Token}]; ok {
		cl.fail(err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
