package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn, if set, is used instead of opening a socket. A Pipe side
	// works here.
	Conn net.PacketConn

	// ListenAddr is bound when Conn is nil. Empty means an ephemeral port.
	ListenAddr string

	// MessageHandler receives every datagram. Required.
	MessageHandler MessageHandler

	// LoggerFactory is optional; nil disables logging.
	LoggerFactory logging.LoggerFactory
}

type udpState int

const (
	udpIdle udpState = iota
	udpRunning
	udpStopped
)

// UDP moves raw CoAP datagrams over a net.PacketConn. It does not decode
// anything: each datagram is copied and handed to the MessageHandler from
// a single read goroutine.
type UDP struct {
	conn    net.PacketConn
	handler MessageHandler
	log     logging.LeveledLogger

	mu    sync.RWMutex
	state udpState
	done  sync.WaitGroup
}

// NewUDP creates a UDP transport. The socket is bound here so LocalAddr is
// known before Start.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		if conn, err = net.ListenPacket("udp", addr); err != nil {
			return nil, err
		}
	}

	u := &UDP{conn: conn, handler: config.MessageHandler}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}
	return u, nil
}

// Start launches the read goroutine. A stopped transport cannot be
// restarted.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case udpRunning:
		return ErrAlreadyStarted
	case udpStopped:
		return ErrClosed
	}
	u.state = udpRunning

	if u.log != nil {
		u.log.Infof("listening on %s", u.conn.LocalAddr())
	}
	u.done.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the socket and waits for the read goroutine. It may be
// called without Start; a second call returns ErrClosed.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.state == udpStopped {
		u.mu.Unlock()
		return ErrClosed
	}
	u.state = udpStopped
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("closing %s", u.conn.LocalAddr())
	}

	// Some PacketConns only unblock a pending read on deadline
	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.done.Wait()
	return err
}

// Send writes one datagram to to.
func (u *UDP) Send(data []byte, to Endpoint) error {
	if u.stopped() {
		return ErrClosed
	}
	switch {
	case !to.IsValid():
		return ErrInvalidAddress
	case len(data) > message.MaxDatagramSize:
		return ErrMessageTooLarge
	}

	_, err := u.conn.WriteTo(data, to.UDPAddr())
	if u.log != nil {
		if err != nil {
			u.log.Warnf("write %dB to %s: %v", len(data), to, err)
		} else {
			u.log.Tracef("-> %s %dB", to, len(data))
		}
	}
	return err
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// LocalEndpoint returns the bound address as an Endpoint. It is the zero
// Endpoint when the conn is not bound to an IP address.
func (u *UDP) LocalEndpoint() Endpoint {
	ep, _ := EndpointFromAddr(u.conn.LocalAddr())
	return ep
}

func (u *UDP) stopped() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state == udpStopped
}

func (u *UDP) readLoop() {
	defer u.done.Done()

	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if u.stopped() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			if u.log != nil {
				u.log.Warnf("read: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		from, err := EndpointFromAddr(addr)
		if err != nil {
			if u.log != nil {
				u.log.Debugf("ignoring datagram from %v: %v", addr, err)
			}
			continue
		}
		if u.log != nil {
			u.log.Tracef("<- %s %dB", from, n)
		}

		// buf is reused by the next read
		u.handler(&ReceivedMessage{Data: append([]byte(nil), buf[:n]...), From: from})
	}
}
