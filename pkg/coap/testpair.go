package coap

import (
	"time"

	"github.com/backkem/coap/pkg/reliability"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// FastParams are short reliability timings for tests over a Pipe.
func FastParams() reliability.Params {
	return reliability.Params{
		AckTimeout:       40 * time.Millisecond,
		AckRandomFactor:  1.5,
		MaxRetransmit:    4,
		EmptyAckDelay:    30 * time.Millisecond,
		ExchangeLifetime: 5 * time.Second,
		NonLifetime:      100 * time.Millisecond,
	}
}

// TestPair provides a Server and a Client connected through a
// transport.Pipe. Datagrams take the full path:
// Client -> chain -> codec -> pipe -> codec -> chain -> Handler, and back.
//
// Usage:
//
//	pair, _ := coap.NewTestPair(coap.TestPairConfig{Handler: myHandler})
//	defer pair.Close()
//
//	pair.Pipe().SetCondition(transport.NetworkCondition{Loss: 0.2})
//	resp, err := pair.Client().Do(ctx, req, pair.ServerEndpoint())
type TestPair struct {
	pipe   *transport.Pipe
	server *Server
	client *Client
}

// TestPairConfig configures a TestPair.
type TestPairConfig struct {
	// Handler serves requests on the server side. Required.
	Handler Handler

	// Params are the reliability timings for both sides.
	// Default: FastParams()
	Params reliability.Params

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewTestPair creates and starts a connected server and client.
// Side 0 of the pipe is the server, side 1 the client.
func NewTestPair(config TestPairConfig) (*TestPair, error) {
	if config.Params == (reliability.Params{}) {
		config.Params = FastParams()
	}

	pipe := transport.NewPipe()
	pair := &TestPair{pipe: pipe}

	server, err := NewServer(ServerConfig{
		EndpointConfig: EndpointConfig{
			Conn:          pipe.Conn(0),
			Params:        config.Params,
			LoggerFactory: config.LoggerFactory,
		},
		Handler: config.Handler,
	})
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}
	pair.server = server

	client, err := NewClient(ClientConfig{
		EndpointConfig: EndpointConfig{
			Conn:          pipe.Conn(1),
			Params:        config.Params,
			LoggerFactory: config.LoggerFactory,
		},
	})
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}
	pair.client = client

	if err := multierr.Combine(server.Start(), client.Start()); err != nil {
		_ = pair.Close()
		return nil, err
	}
	return pair, nil
}

// Server returns the server side.
func (p *TestPair) Server() *Server {
	return p.server
}

// Client returns the client side.
func (p *TestPair) Client() *Client {
	return p.client
}

// ServerEndpoint returns the address the client sends requests to.
func (p *TestPair) ServerEndpoint() transport.Endpoint {
	return p.pipe.Endpoint(0)
}

// ClientEndpoint returns the client's address as seen by the server.
func (p *TestPair) ClientEndpoint() transport.Endpoint {
	return p.pipe.Endpoint(1)
}

// Pipe returns the underlying pipe for network simulation.
func (p *TestPair) Pipe() *transport.Pipe {
	return p.pipe
}

// Close stops both endpoints and the pipe.
func (p *TestPair) Close() error {
	return multierr.Combine(
		p.client.Stop(),
		p.server.Stop(),
		p.pipe.Close(),
	)
}
