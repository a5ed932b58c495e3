package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/backkem/coap/pkg/transport"
)

// DNS-SD service names (RFC 7252 Section 12.8).
const (
	// ServiceCoAP is the DNS-SD service type of a CoAP endpoint over UDP.
	ServiceCoAP = "_coap._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the default CoAP port.
	DefaultPort = 5683
)

const (
	maxInstanceNameLength = 63
	maxTXTRecordLength    = 255
)

// ServiceInfo describes an advertised CoAP endpoint.
type ServiceInfo struct {
	// Instance is the DNS-SD instance name.
	// If empty, a random 16 hex character name is generated.
	Instance string

	// Port is the UDP port of the endpoint. Default: 5683
	Port int

	// Subtypes are optional DNS-SD subtypes (e.g. "_sensor") for filtered browsing.
	Subtypes []string

	// Text carries TXT key/value pairs.
	Text map[string]string
}

func (s *ServiceInfo) validate() error {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Port < 0 || s.Port > 65535 {
		return ErrInvalidPort
	}
	if len(s.Instance) > maxInstanceNameLength {
		return ErrInvalidInstanceName
	}
	for _, st := range s.Subtypes {
		if !strings.HasPrefix(st, "_") || strings.ContainsAny(st, ",.") {
			return fmt.Errorf("%w: subtype %q", ErrInvalidInstanceName, st)
		}
	}
	_, err := EncodeTXT(s.Text)
	return err
}

// serviceString joins the service type and subtypes the way zeroconf parses them.
func (s *ServiceInfo) serviceString() string {
	service := ServiceCoAP
	for _, st := range s.Subtypes {
		service += "," + st
	}
	return service
}

// SubtypeService returns the browse name for a subtype, e.g. "_sensor._sub._coap._udp".
func SubtypeService(subtype string) string {
	return subtype + "._sub." + ServiceCoAP
}

// EncodeTXT renders key/value pairs as "key=value" records sorted by key.
func EncodeTXT(text map[string]string) ([]string, error) {
	keys := make([]string, 0, len(text))
	for k := range text {
		if k == "" || strings.ContainsRune(k, '=') {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidTXTRecord, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		r := k + "=" + text[k]
		if len(r) > maxTXTRecordLength {
			return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTXTRecord, k, maxTXTRecordLength)
		}
		records = append(records, r)
	}
	return records, nil
}

// ParseTXT parses "key=value" records. A record without '=' is a boolean
// attribute with an empty value; the first occurrence of a key wins.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		if _, seen := result[k]; !seen {
			result[k] = v
		}
	}
	return result
}

// generateRandomInstanceName generates a random 64-bit instance name.
// Format: 16 uppercase hex characters.
func generateRandomInstanceName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", binary.BigEndian.Uint64(buf[:])), nil
}

// SortEndpointsByPreference orders endpoints for connection attempts.
//
// Priority order (highest to lowest):
//  1. Global unicast addresses
//  2. Private addresses (IPv6 ULA, RFC 1918)
//  3. Link-local addresses
//  4. Other addresses, then loopback
func SortEndpointsByPreference(eps []transport.Endpoint) []transport.Endpoint {
	if len(eps) <= 1 {
		return eps
	}
	sorted := make([]transport.Endpoint, len(eps))
	copy(sorted, eps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return addrPriority(sorted[i].AddrPort().Addr()) < addrPriority(sorted[j].AddrPort().Addr())
	})
	return sorted
}

// addrPriority returns the priority of an address (lower is better).
func addrPriority(a netip.Addr) int {
	switch {
	case !a.IsValid():
		return 99
	case a.IsLoopback():
		return 80
	case a.IsMulticast():
		return 90
	case a.IsPrivate():
		return 1
	case a.IsGlobalUnicast():
		return 0
	case a.IsLinkLocalUnicast():
		return 2
	default:
		return 10
	}
}

// endpointsFromIPs pairs each address with port. IPv4-mapped IPv6 addresses
// are unmapped.
func endpointsFromIPs(ips []net.IP, port int) []transport.Endpoint {
	eps := make([]transport.Endpoint, 0, len(ips))
	for _, ip := range ips {
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		eps = append(eps, transport.NewEndpoint(netip.AddrPortFrom(a.Unmap(), uint16(port))))
	}
	return eps
}
