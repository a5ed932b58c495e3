package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/backkem/coap/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	serveListen    string
	serveAdvertise bool
	serveInstance  string
	serveMetrics   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	Long: `Run a CoAP server that answers every request with 2.05 Content carrying
the request payload, or the request path when the payload is empty.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.Listen = serveListen
		}
		if flags.Changed("advertise") {
			cfg.Advertise.Enabled = serveAdvertise
		}
		if flags.Changed("instance") {
			cfg.Advertise.Instance = serveInstance
		}
		if flags.Changed("metrics") {
			cfg.Metrics.Listen = serveMetrics
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cmd, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":5683", "UDP listen address")
	serveCmd.Flags().BoolVar(&serveAdvertise, "advertise", false, "advertise the server via mDNS as _coap._udp")
	serveCmd.Flags().StringVar(&serveInstance, "instance", "", "DNS-SD instance name (default: random)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics", "", "HTTP address serving Prometheus /metrics")
}

func runServer(ctx context.Context, cmd *cobra.Command, cfg Config) (err error) {
	log := loggerFactory.NewLogger("coap-node")

	srv, err := coap.NewServer(coap.ServerConfig{
		EndpointConfig: coap.EndpointConfig{
			ListenAddr:    cfg.Listen,
			Params:        cfg.Reliability,
			LoggerFactory: loggerFactory,
		},
		Handler: coap.HandlerFunc(echo),
	})
	if err != nil {
		return err
	}
	if serr := srv.Start(); serr != nil {
		return fmt.Errorf("start server: %w", serr)
	}
	defer func() { err = multierr.Append(err, srv.Stop()) }()

	local := srv.LocalEndpoint()
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", local)

	if cfg.Metrics.Listen != "" {
		shutdown, merr := serveMetricsEndpoint(cfg.Metrics.Listen, srv)
		if merr != nil {
			return merr
		}
		defer func() { err = multierr.Append(err, shutdown()) }()
		log.Infof("Serving metrics on %s/metrics", cfg.Metrics.Listen)
	}

	if cfg.Advertise.Enabled {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{LoggerFactory: loggerFactory})
		aerr := adv.Start(discovery.ServiceInfo{
			Instance: cfg.Advertise.Instance,
			Port:     int(local.AddrPort().Port()),
			Subtypes: cfg.Advertise.Subtypes,
			Text:     cfg.Advertise.Text,
		})
		if aerr != nil {
			return aerr
		}
		defer func() { err = multierr.Append(err, adv.Close()) }()
		fmt.Fprintf(cmd.OutOrStdout(), "Advertising %s as %q\n", discovery.ServiceCoAP, adv.InstanceName())
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func serveMetricsEndpoint(addr string, srv *coap.Server) (shutdown func() error, err error) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(metrics.CollectorConfig{Registerer: reg})
	if err != nil {
		return nil, err
	}
	unsubscribe := collector.Observe(srv.Bus(), "server")

	err = multierr.Combine(
		collector.TrackGauge("pending_requests", "Requests awaiting a response.", "server",
			func() int { return srv.Stats().PendingRequests }),
		collector.TrackGauge("pending_retransmissions", "Confirmable messages awaiting acknowledgement.", "server",
			func() int { return srv.Stats().PendingRetransmissions }),
	)
	if err != nil {
		unsubscribe()
		collector.Close()
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		unsubscribe()
		collector.Close()
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go hs.Serve(ln)

	return func() error {
		defer collector.Close()
		defer unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}

// echo answers with the request payload, or the request path if the payload is empty.
func echo(_ context.Context, req *message.Message, _ transport.Endpoint) *message.Message {
	resp := message.NewResponse(req, message.CodeContent)
	if len(req.Payload) > 0 {
		resp.Payload = append([]byte(nil), req.Payload...)
	} else {
		resp.Payload = []byte("/" + uriPath(req))
	}
	return resp
}

func uriPath(m *message.Message) string {
	var segs []string
	for _, o := range m.Options {
		if o.Number() == message.OptionURIPath {
			segs = append(segs, o.String())
		}
	}
	return strings.Join(segs, "/")
}
