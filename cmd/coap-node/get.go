package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	getMethod  string
	getNon     bool
	getPayload string
	getTimeout time.Duration
)

var getCmd = &cobra.Command{
	Use:   "get <host:port|instance> [path]",
	Short: "Send a request and print the response",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseMethod(getMethod)
		if err != nil {
			return err
		}
		typ := message.TypeCON
		if getNon {
			typ = message.TypeNON
		}

		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		req, err := buildRequest(typ, code, path, getPayload)
		if err != nil {
			return err
		}

		return withClient(cmd, args[0], func(ctx context.Context, c *coap.Client, remote transport.Endpoint) error {
			resp, err := c.Do(ctx, req, remote)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", resp.Code, resp.Type, resp.Payload)
			return nil
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <host:port|instance>",
	Short: "Check that a CoAP endpoint is alive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, args[0], func(ctx context.Context, c *coap.Client, remote transport.Endpoint) error {
			start := time.Now()
			if err := c.Ping(ctx, remote); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %v\n", remote, time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

func init() {
	getCmd.Flags().StringVarP(&getMethod, "method", "X", "GET", "request method: GET, POST, PUT, DELETE")
	getCmd.Flags().BoolVar(&getNon, "non", false, "send a non-confirmable request")
	getCmd.Flags().StringVar(&getPayload, "payload", "", "request payload")

	for _, c := range []*cobra.Command{getCmd, pingCmd} {
		c.Flags().DurationVar(&getTimeout, "timeout", 0, "overall timeout (default: until the retransmission limit)")
	}
}

func withClient(cmd *cobra.Command, target string, fn func(context.Context, *coap.Client, transport.Endpoint) error) (err error) {
	ctx := commandContext(cmd)
	if getTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, getTimeout)
		defer cancel()
	}

	remote, err := resolveTarget(ctx, target)
	if err != nil {
		return err
	}

	c, err := coap.NewClient(coap.ClientConfig{
		EndpointConfig: coap.EndpointConfig{
			ListenAddr:    ":0",
			Params:        cfg.Reliability,
			LoggerFactory: loggerFactory,
		},
	})
	if err != nil {
		return err
	}
	if serr := c.Start(); serr != nil {
		return serr
	}
	defer func() { err = multierr.Append(err, c.Stop()) }()

	return fn(ctx, c, remote)
}

func parseMethod(s string) (message.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return message.CodeGET, nil
	case "POST":
		return message.CodePOST, nil
	case "PUT":
		return message.CodePUT, nil
	case "DELETE":
		return message.CodeDELETE, nil
	}
	return message.CodeEmpty, fmt.Errorf("unknown method %q", s)
}

// buildRequest creates a request with one Uri-Path option per path segment.
func buildRequest(typ message.Type, code message.Code, path, payload string) (*message.Message, error) {
	req := message.NewRequest(typ, code, message.EmptyToken)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		opt, err := message.NewStringOption(message.OptionURIPath, seg)
		if err != nil {
			return nil, fmt.Errorf("path segment %q: %w", seg, err)
		}
		req.AddOption(opt)
	}
	if payload != "" {
		req.Payload = []byte(payload)
	}
	return req, nil
}
