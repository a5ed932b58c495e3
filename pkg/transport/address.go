package transport

import (
	"net"
	"net/netip"
)

// Endpoint identifies a remote (or local) UDP endpoint by IP address and port.
//
// Endpoint is comparable and is used as a map key by the reliability tables.
// IPv4-mapped IPv6 addresses are unmapped so that the same peer always yields
// the same key regardless of the socket family it was received on.
type Endpoint struct {
	ap netip.AddrPort
}

// NewEndpoint creates an Endpoint from an address and port.
func NewEndpoint(ap netip.AddrPort) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// ParseEndpoint parses an "ip:port" literal without name resolution.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, ErrInvalidAddress
	}
	return NewEndpoint(ap), nil
}

// MustEndpoint is like ParseEndpoint but panics on error.
// Intended for tests and constants.
func MustEndpoint(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

// ResolveEndpoint resolves a "host:port" address.
func ResolveEndpoint(addr string) (Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return Endpoint{}, err
	}
	return EndpointFromAddr(udpAddr)
}

// EndpointFromAddr converts a net.Addr as returned by a PacketConn.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil {
			return Endpoint{}, ErrInvalidAddress
		}
		return NewEndpoint(a.AddrPort()), nil
	case nil:
		return Endpoint{}, ErrInvalidAddress
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return Endpoint{}, ErrInvalidAddress
		}
		return NewEndpoint(ap), nil
	}
}

// AddrPort returns the underlying address and port.
func (e Endpoint) AddrPort() netip.AddrPort {
	return e.ap
}

// UDPAddr returns the endpoint as a *net.UDPAddr for socket writes.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.ap)
}

// IsValid returns true if the endpoint has an address.
func (e Endpoint) IsValid() bool {
	return e.ap.IsValid()
}

// String returns "ip:port" ("[ip]:port" for IPv6).
func (e Endpoint) String() string {
	if !e.ap.IsValid() {
		return "<invalid>"
	}
	return e.ap.String()
}
