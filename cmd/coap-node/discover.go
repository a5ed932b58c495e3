package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	discoverSubtype string
	discoverTimeout time.Duration
)

// newResolver is replaced in tests to avoid multicast traffic.
var newResolver = func() (*discovery.Resolver, error) {
	return discovery.NewResolver(discovery.ResolverConfig{})
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List CoAP endpoints announced via DNS-SD",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newResolver()
		if err != nil {
			return fmt.Errorf("mDNS resolver: %w", err)
		}

		ctx := commandContext(cmd)
		ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
		defer cancel()

		var found <-chan discovery.ResolvedService
		if discoverSubtype != "" {
			found = r.BrowseSubtype(ctx, discoverSubtype)
		} else {
			found = r.Browse(ctx)
		}

		n := 0
		for svc := range found {
			n++
			fmt.Fprintln(cmd.OutOrStdout(), formatService(svc))
		}
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no endpoints found")
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverSubtype, "subtype", "", "only list instances registered with this subtype, e.g. _sensor")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 3*time.Second, "how long to listen for announcements")
}

// formatService renders one line: instance, preferred endpoint, TXT pairs.
func formatService(svc discovery.ResolvedService) string {
	addr := "-"
	if ep, ok := svc.PreferredEndpoint(); ok {
		addr = ep.String()
	}

	keys := make([]string, 0, len(svc.Text))
	for k := range svc.Text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + svc.Text[k]
	}
	return strings.TrimRight(fmt.Sprintf("%s\t%s\t%s", svc.Instance, addr, strings.Join(pairs, " ")), "\t")
}

// resolveTarget accepts host:port or a DNS-SD instance name. Anything
// without a colon is looked up as an instance.
func resolveTarget(ctx context.Context, target string) (transport.Endpoint, error) {
	if strings.Contains(target, ":") {
		ep, err := transport.ResolveEndpoint(target)
		if err != nil {
			return transport.Endpoint{}, fmt.Errorf("resolve %s: %w", target, err)
		}
		return ep, nil
	}

	r, err := newResolver()
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("mDNS resolver: %w", err)
	}
	svc, err := r.Lookup(ctx, target)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("look up %q: %w", target, err)
	}
	ep, ok := svc.PreferredEndpoint()
	if !ok {
		return transport.Endpoint{}, fmt.Errorf("look up %q: %w", target, discovery.ErrServiceNotFound)
	}
	return ep, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
