// Package metrics exports reliability lifecycle events as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/backkem/coap/pkg/reliability"
	"github.com/prometheus/client_golang/prometheus"
)

// Event label values.
const (
	EventMessageIDAssigned     = "message_id_assigned"
	EventMessageIDReleased     = "message_id_released"
	EventNoMessageIDAvailable  = "no_message_id_available"
	EventEmptyAckReceived      = "empty_ack_received"
	EventResetReceived         = "reset_received"
	EventMessageRetransmitted  = "message_retransmitted"
	EventTransmissionTimeout   = "transmission_timeout"
	EventMiscellaneousError    = "miscellaneous_error"
	EventRemoteEndpointChanged = "remote_endpoint_changed"
	EventTokenReleased         = "token_released"
)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Namespace prefixes every metric name. Default: "coap"
	Namespace string

	// Registerer receives the metrics. Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// Collector counts lifecycle events per endpoint role and exposes table
// sizes as gauges.
type Collector struct {
	namespace  string
	registerer prometheus.Registerer
	events     *prometheus.CounterVec

	mu     sync.Mutex
	gauges []prometheus.Collector
}

// NewCollector creates and registers a Collector.
func NewCollector(config CollectorConfig) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "coap"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}

	c := &Collector{
		namespace:  config.Namespace,
		registerer: config.Registerer,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "exchange_events_total",
			Help:      "Message exchange lifecycle events.",
		}, []string{"role", "event"}),
	}
	if err := c.registerer.Register(c.events); err != nil {
		return nil, err
	}
	return c, nil
}

// Observe counts every event published on bus under role ("server" or
// "client"). It returns a function that stops observing.
func (c *Collector) Observe(bus *reliability.EventBus, role string) (stop func()) {
	return bus.Subscribe(func(ev reliability.Event) {
		if name := EventName(ev); name != "" {
			c.events.WithLabelValues(role, name).Inc()
		}
	})
}

// TrackGauge registers a gauge named name that reads fn on every scrape.
func (c *Collector) TrackGauge(name, help, role string, fn func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"role": role},
	}, func() float64 { return float64(fn()) })

	if err := c.registerer.Register(g); err != nil {
		return err
	}

	c.mu.Lock()
	c.gauges = append(c.gauges, g)
	c.mu.Unlock()
	return nil
}

// Close unregisters all metrics.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.gauges {
		c.registerer.Unregister(g)
	}
	c.gauges = nil
	c.registerer.Unregister(c.events)
}

// EventName returns the label value for ev, or "" for unknown events.
func EventName(ev reliability.Event) string {
	switch ev.(type) {
	case reliability.MessageIDAssignedEvent:
		return EventMessageIDAssigned
	case reliability.MessageIDReleasedEvent:
		return EventMessageIDReleased
	case reliability.NoMessageIDAvailableEvent:
		return EventNoMessageIDAvailable
	case reliability.EmptyAckReceivedEvent:
		return EventEmptyAckReceived
	case reliability.ResetReceivedEvent:
		return EventResetReceived
	case reliability.MessageRetransmittedEvent:
		return EventMessageRetransmitted
	case reliability.TransmissionTimeoutEvent:
		return EventTransmissionTimeout
	case reliability.MiscellaneousErrorEvent:
		return EventMiscellaneousError
	case reliability.RemoteEndpointChangedEvent:
		return EventRemoteEndpointChanged
	case reliability.TokenReleasedEvent:
		return EventTokenReleased
	}
	return ""
}
