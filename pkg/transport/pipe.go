package transport

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition describes how a Pipe impairs datagrams. The zero value
// is a perfect link.
type NetworkCondition struct {
	// Loss is the probability in [0, 1] that a datagram is lost.
	Loss float64

	// Drop, if set, sees every datagram before Loss is applied and loses it
	// when it returns true. Tests use it to lose one specific message.
	Drop func(from Endpoint, data []byte) bool

	// Latency holds each datagram back before it enters the link.
	Latency time.Duration

	// Jitter adds up to this much extra latency, chosen uniformly.
	// Datagrams may be reordered when Jitter is set.
	Jitter time.Duration

	// Duplicate is the probability in [0, 1] that a datagram is delivered twice.
	Duplicate float64
}

// PipeConfig configures a Pipe. The zero value is usable.
type PipeConfig struct {
	// Manual stops the background delivery loop. Datagrams then wait in
	// the link until Step or Flush is called.
	Manual bool

	// Interval is the delivery loop period. Defaults to 1ms.
	Interval time.Duration

	// Endpoints are the addresses of side 0 and side 1.
	// Defaults to 127.0.0.1:5683 and 127.0.0.2:5683.
	Endpoints [2]Endpoint
}

const defaultPipeInterval = time.Millisecond

var defaultPipeEndpoints = [2]Endpoint{
	MustEndpoint("127.0.0.1:5683"),
	MustEndpoint("127.0.0.2:5683"),
}

// PipeStats counts what happened to datagrams written into a Pipe.
type PipeStats struct {
	Written    uint64
	Lost       uint64
	Duplicated uint64
}

// Pipe is an in-memory datagram link between two endpoints, built on pion's
// test.Bridge. Each side is a net.PacketConn that can back a UDP transport,
// so a client and a server exchange real encoded CoAP datagrams without
// sockets. NetworkCondition lets tests lose, delay and duplicate traffic.
type Pipe struct {
	bridge *test.Bridge
	sides  [2]*PipePacketConn

	mu       sync.Mutex
	cond     NetworkCondition
	rng      *rand.Rand
	manual   bool
	interval time.Duration
	halt     chan struct{}
	loop     sync.WaitGroup
	closed   bool
	pending  sync.WaitGroup

	written    atomic.Uint64
	lost       atomic.Uint64
	duplicated atomic.Uint64
}

// NewPipe creates a pipe that delivers datagrams in the background.
func NewPipe() *Pipe {
	return NewPipeWithConfig(PipeConfig{})
}

// NewPipeWithConfig creates a pipe from config, filling in defaults.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	if config.Interval <= 0 {
		config.Interval = defaultPipeInterval
	}
	for i, ep := range config.Endpoints {
		if !ep.IsValid() {
			config.Endpoints[i] = defaultPipeEndpoints[i]
		}
	}

	p := &Pipe{
		bridge:   test.NewBridge(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		manual:   config.Manual,
		interval: config.Interval,
	}
	p.sides[0] = &PipePacketConn{pipe: p, link: p.bridge.GetConn0(), local: config.Endpoints[0], remote: config.Endpoints[1]}
	p.sides[1] = &PipePacketConn{pipe: p, link: p.bridge.GetConn1(), local: config.Endpoints[1], remote: config.Endpoints[0]}

	if !p.manual {
		p.runLoop()
	}
	return p
}

// runLoop must be called with mu held or before the pipe is shared.
func (p *Pipe) runLoop() {
	p.halt = make(chan struct{})
	p.loop.Add(1)
	go func(halt <-chan struct{}) {
		defer p.loop.Done()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-halt:
				return
			case <-t.C:
				p.bridge.Tick()
			}
		}
	}(p.halt)
}

// SetManual switches between background delivery and explicit Step/Flush.
func (p *Pipe) SetManual(manual bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.manual == manual {
		return
	}
	p.manual = manual
	if manual {
		close(p.halt)
		p.loop.Wait()
		return
	}
	p.runLoop()
}

// Manual reports whether the background delivery loop is off.
func (p *Pipe) Manual() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manual
}

// SetCondition replaces the impairments applied in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	p.cond = cond
	p.mu.Unlock()
}

// Condition returns the impairments currently applied.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cond
}

// Stats returns the datagram counters.
func (p *Pipe) Stats() PipeStats {
	return PipeStats{
		Written:    p.written.Load(),
		Lost:       p.lost.Load(),
		Duplicated: p.duplicated.Load(),
	}
}

// Conn returns the packet conn of side 0 or 1, suitable for UDPConfig.Conn.
func (p *Pipe) Conn(side int) *PipePacketConn {
	return p.sides[side&1]
}

// Endpoint returns the address of side 0 or 1.
func (p *Pipe) Endpoint(side int) Endpoint {
	return p.sides[side&1].local
}

// Step moves at most one queued datagram in each direction and returns
// how many moved.
func (p *Pipe) Step() int {
	return p.bridge.Tick()
}

// Flush moves every queued datagram and returns how many moved.
// Datagrams still held back by Latency are not queued yet.
func (p *Pipe) Flush() int {
	total := 0
	for n := p.Step(); n > 0; n = p.Step() {
		total += n
	}
	return total
}

// Close stops delivery, waits for delayed datagrams to settle and closes
// both sides. Closing twice is a no-op.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if !p.manual {
		close(p.halt)
	}
	p.mu.Unlock()

	p.loop.Wait()

	// Sides may already be closed by their transports
	_ = p.sides[0].link.Close()
	_ = p.sides[1].link.Close()
	p.pending.Wait()
	return nil
}

// plan decides the fate of one datagram under the current condition.
func (p *Pipe) plan(from Endpoint, data []byte) (lose bool, delay time.Duration, copies int) {
	p.mu.Lock()
	cond := p.cond
	lose = cond.Loss > 0 && p.rng.Float64() < cond.Loss
	delay = cond.Latency
	if cond.Jitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(cond.Jitter)))
	}
	copies = 1
	if cond.Duplicate > 0 && p.rng.Float64() < cond.Duplicate {
		copies = 2
	}
	p.mu.Unlock()

	// Drop runs outside the lock so it may call back into the pipe
	if cond.Drop != nil && cond.Drop(from, data) {
		lose = true
	}
	return lose, delay, copies
}

// PipePacketConn is one side of a Pipe. Everything it reads appears to
// come from the other side's Endpoint; the destination passed to WriteTo
// is ignored.
type PipePacketConn struct {
	pipe   *Pipe
	link   net.Conn
	local  Endpoint
	remote Endpoint
}

var _ net.PacketConn = (*PipePacketConn)(nil)

// ReadFrom implements net.PacketConn.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.link.Read(b)
	return n, c.remote.UDPAddr(), err
}

// WriteTo implements net.PacketConn. Lost datagrams still report success,
// as a UDP socket would. Delayed datagrams are written from a timer so the
// caller never blocks on Latency.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	p := c.pipe
	p.written.Add(1)

	lose, delay, copies := p.plan(c.local, b)
	if lose {
		p.lost.Add(1)
		return len(b), nil
	}
	if copies > 1 {
		p.duplicated.Add(1)
	}

	if delay <= 0 {
		for i := 0; i < copies; i++ {
			if _, err := c.link.Write(b); err != nil {
				return 0, err
			}
		}
		return len(b), nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	p.pending.Add(1)
	p.mu.Unlock()

	data := append([]byte(nil), b...)
	time.AfterFunc(delay, func() {
		defer p.pending.Done()
		for i := 0; i < copies; i++ {
			if _, err := c.link.Write(data); err != nil {
				return
			}
		}
	})
	return len(b), nil
}

// Close closes this side only.
func (c *PipePacketConn) Close() error {
	return c.link.Close()
}

// LocalAddr implements net.PacketConn.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.local.UDPAddr()
}

// SetDeadline implements net.PacketConn.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.link.SetDeadline(t)
}

// SetReadDeadline implements net.PacketConn.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.link.SetReadDeadline(t)
}

// SetWriteDeadline implements net.PacketConn.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.link.SetWriteDeadline(t)
}
