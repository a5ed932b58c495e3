package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is a running DNS-SD registration.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory registers a service instance and answers queries for it
// until the returned server is shut down. Tests substitute a fake.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures an Advertiser. The zero value advertises on
// every interface through grandcat/zeroconf.
type AdvertiserConfig struct {
	// Interfaces limits the announcement to these interfaces.
	Interfaces []net.Interface

	// ServerFactory overrides the zeroconf registrar.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes a CoAP endpoint as a _coap._udp DNS-SD service.
type Advertiser struct {
	config   AdvertiserConfig
	factory  MDNSServerFactory
	log      logging.LeveledLogger
	mu       sync.RWMutex
	server   MDNSServer
	instance string
	closed   bool
}

// NewAdvertiser returns an idle advertiser; nothing is announced until Start.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	factory := config.ServerFactory
	if factory == nil {
		factory = zeroconfRegistrar{}
	}

	a := &Advertiser{
		config:  config,
		factory: factory,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a
}

// Start begins advertising info.
func (a *Advertiser) Start(info ServiceInfo) error {
	if err := info.validate(); err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}
	txt, err := EncodeTXT(info.Text)
	if err != nil {
		return fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	instance := info.Instance
	if instance == "" {
		var err error
		if instance, err = generateRandomInstanceName(); err != nil {
			return fmt.Errorf("advertiser: failed to generate instance name: %w", err)
		}
	}

	service := info.serviceString()
	if a.log != nil {
		a.log.Debugf("Registering mDNS service: instance=%s service=%s domain=%s port=%d",
			instance, service, DefaultDomain, info.Port)
		a.log.Tracef("TXT records: %v", txt)
	}

	server, err := a.factory.Register(instance, service, DefaultDomain, info.Port, txt, a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed for %s: %w", service, err)
	}

	if a.log != nil {
		a.log.Infof("Advertising %s as %q on port %d", ServiceCoAP, instance, info.Port)
	}
	a.server = server
	a.instance = instance
	return nil
}

// Stop stops the advertisement. The advertiser may be started again.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server == nil {
		return ErrNotStarted
	}
	a.server.Shutdown()
	a.server = nil
	a.instance = ""
	return nil
}

// Close stops advertising and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.closed = true
	return nil
}

// IsAdvertising returns true while a service is registered.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.server != nil
}

// InstanceName returns the advertised instance name, or "" when idle.
func (a *Advertiser) InstanceName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instance
}

// CloseOnDone closes the advertiser when ctx is cancelled.
func (a *Advertiser) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.Close()
	}()
}
