package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered CoAP endpoint.
type ResolvedService struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// HostName is the target host name.
	HostName string

	// Endpoints are the resolved UDP endpoints, sorted by preference.
	Endpoints []transport.Endpoint

	// Text contains the TXT record key-value pairs.
	Text map[string]string
}

// PreferredEndpoint returns the most preferred endpoint.
func (r *ResolvedService) PreferredEndpoint() (transport.Endpoint, bool) {
	if len(r.Endpoints) == 0 {
		return transport.Endpoint{}, false
	}
	return r.Endpoints[0], true
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests. Implementations block until
// they are done sending and never close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	inner := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Browse(ctx, service, domain, inner); err != nil {
		return err
	}
	return forward(ctx, inner, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	inner := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Lookup(ctx, instance, service, domain, inner); err != nil {
		return err
	}
	return forward(ctx, inner, entries)
}

// forward copies entries until zeroconf closes in, which it does once ctx is done.
func forward(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- *zeroconf.ServiceEntry) error {
	for e := range in {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout applies when the browse context has no deadline.
	// Default: DefaultBrowseTimeout
	BrowseTimeout time.Duration

	// LookupTimeout applies when the lookup context has no deadline.
	// Default: DefaultLookupTimeout
	LookupTimeout time.Duration
}

// Resolver discovers CoAP endpoints via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// Browse discovers CoAP endpoints. The channel is closed when ctx is done or
// the browse timeout expires.
func (r *Resolver) Browse(ctx context.Context) <-chan ResolvedService {
	return r.browse(ctx, ServiceCoAP)
}

// BrowseSubtype discovers CoAP endpoints registered with subtype.
func (r *Resolver) BrowseSubtype(ctx context.Context, subtype string) <-chan ResolvedService {
	return r.browse(ctx, SubtypeService(subtype))
}

func (r *Resolver) browse(ctx context.Context, service string) <-chan ResolvedService {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(entries)
		r.resolver.Browse(ctx, service, DefaultDomain, entries)
	}()

	go func() {
		defer cancel()
		defer close(results)

		for entry := range entries {
			select {
			case results <- toResolvedService(entry):
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results
}

// Lookup resolves a specific instance.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*ResolvedService, error) {
	if instance == "" || len(instance) > maxInstanceNameLength {
		return nil, ErrInvalidInstanceName
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.resolver.Lookup(ctx, instance, ServiceCoAP, DefaultDomain, entries)
	}()

	select {
	case entry := <-entries:
		svc := toResolvedService(entry)
		return &svc, nil
	case <-done:
		select {
		case entry := <-entries:
			svc := toResolvedService(entry)
			return &svc, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, lookupErr(err)
		}
		return nil, ErrServiceNotFound
	case <-ctx.Done():
		return nil, lookupErr(ctx.Err())
	}
}

func lookupErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// toResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func toResolvedService(entry *zeroconf.ServiceEntry) ResolvedService {
	ips := make([]net.IP, 0, len(entry.AddrIPv6)+len(entry.AddrIPv4))
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)

	return ResolvedService{
		Instance:  entry.Instance,
		HostName:  entry.HostName,
		Endpoints: SortEndpointsByPreference(endpointsFromIPs(ips, entry.Port)),
		Text:      ParseTXT(entry.Text),
	}
}
