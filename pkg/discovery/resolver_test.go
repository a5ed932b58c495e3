package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/transport"
)

func newTestResolver(t *testing.T, mock *MockMDNSResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: time.Second,
		LookupTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func TestResolver_Browse(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceCoAP, MockCoAPService("a", 5683, []string{"rt=temp"}, net.ParseIP("192.168.1.10")))
	mock.RegisterService(ServiceCoAP, MockCoAPService("b", 5684, nil, net.ParseIP("fe80::1"), net.ParseIP("2001:db8::5")))

	r := newTestResolver(t, mock)

	var got []ResolvedService
	for svc := range r.Browse(context.Background()) {
		got = append(got, svc)
	}

	if len(got) != 2 {
		t.Fatalf("Browse() returned %d services, want 2", len(got))
	}
	if got[0].Instance != "a" || got[0].Text["rt"] != "temp" {
		t.Errorf("service 0 = %+v", got[0])
	}
	ep, ok := got[0].PreferredEndpoint()
	if !ok || ep != transport.MustEndpoint("192.168.1.10:5683") {
		t.Errorf("PreferredEndpoint() = %s, %v", ep, ok)
	}

	// Global IPv6 sorts before link-local
	ep, _ = got[1].PreferredEndpoint()
	if ep != transport.MustEndpoint("[2001:db8::5]:5684") {
		t.Errorf("PreferredEndpoint() = %s, want [2001:db8::5]:5684", ep)
	}
}

func TestResolver_BrowseSubtype(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(SubtypeService("_sensor"), MockCoAPService("s", 5683, nil, net.ParseIP("10.0.0.7")))
	mock.RegisterService(ServiceCoAP, MockCoAPService("other", 5683, nil, net.ParseIP("10.0.0.8")))

	r := newTestResolver(t, mock)

	var names []string
	for svc := range r.BrowseSubtype(context.Background(), "_sensor") {
		names = append(names, svc.Instance)
	}
	if len(names) != 1 || names[0] != "s" {
		t.Errorf("BrowseSubtype() = %v, want [s]", names)
	}
}

func TestResolver_BrowseCancel(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceCoAP, MockCoAPService("a", 5683, nil, net.ParseIP("10.0.0.1")))
	mock.RegisterService(ServiceCoAP, MockCoAPService("b", 5683, nil, net.ParseIP("10.0.0.2")))

	r := newTestResolver(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	results := r.Browse(ctx)
	<-results
	cancel()

	select {
	case <-drain(results):
	case <-time.After(time.Second):
		t.Fatal("results not closed after cancel")
	}
}

func drain(ch <-chan ResolvedService) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestResolver_Lookup(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceCoAP, MockCoAPService("node-1", 5683, []string{"ep=node-1"}, net.ParseIP("::ffff:10.0.0.3")))

	r := newTestResolver(t, mock)

	svc, err := r.Lookup(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if svc.Text["ep"] != "node-1" {
		t.Errorf("Text = %v", svc.Text)
	}
	// IPv4-mapped addresses are unmapped
	if ep, _ := svc.PreferredEndpoint(); ep != transport.MustEndpoint("10.0.0.3:5683") {
		t.Errorf("PreferredEndpoint() = %s, want 10.0.0.3:5683", ep)
	}

	if _, err := r.Lookup(context.Background(), "missing"); err != ErrServiceNotFound {
		t.Errorf("Lookup(missing) error = %v, want %v", err, ErrServiceNotFound)
	}
	if _, err := r.Lookup(context.Background(), ""); err != ErrInvalidInstanceName {
		t.Errorf("Lookup(\"\") error = %v, want %v", err, ErrInvalidInstanceName)
	}
}

func TestResolver_Defaults(t *testing.T) {
	r, err := NewResolver(ResolverConfig{MDNSResolver: NewMockMDNSResolver()})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	if r.config.BrowseTimeout != DefaultBrowseTimeout || r.config.LookupTimeout != DefaultLookupTimeout {
		t.Errorf("timeouts = %v/%v", r.config.BrowseTimeout, r.config.LookupTimeout)
	}
}
