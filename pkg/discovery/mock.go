package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver answers Browse and Lookup from entries registered in
// memory. It sends synchronously and never closes the entries channel.
type MockMDNSResolver struct {
	mu       sync.RWMutex
	services map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver returns an empty mock.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		services: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// RegisterService registers an entry returned by Browse/Lookup for service.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
}

// ClearServices forgets every registered entry.
func (m *MockMDNSResolver) ClearServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = make(map[string][]*zeroconf.ServiceEntry)
}

func (m *MockMDNSResolver) entries(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(out, m.services[service])
	return out
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.entries(service) {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.entries(service) {
		if entry.Instance != instance {
			continue
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return nil
}

// MockCoAPService creates a _coap._udp service entry for testing.
func MockCoAPService(instance string, port int, text []string, ips ...net.IP) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  ServiceCoAP,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     text,
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
}
