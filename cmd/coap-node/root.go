package main

import (
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/reliability"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	// Flag overrides, applied only when set on the command line.
	logLevel      string
	ackTimeout    time.Duration
	maxRetransmit int

	cfg           Config
	loggerFactory logging.LoggerFactory
)

var rootCmd = &cobra.Command{
	Use:   "coap-node",
	Short: "CoAP endpoint with confirmable-message reliability",
	Long: `coap-node runs a CoAP server or client over UDP. Confirmable messages
are acknowledged, deduplicated and retransmitted with exponential back-off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("ack-timeout") {
			cfg.Reliability.AckTimeout = ackTimeout
		}
		if flags.Changed("max-retransmit") {
			cfg.Reliability.MaxRetransmit = maxRetransmit
			if maxRetransmit == 0 {
				cfg.Reliability.MaxRetransmit = reliability.NoRetransmit
			}
		}
		if err := cfg.Reliability.Validate(); err != nil {
			return err
		}

		loggerFactory, err = newLoggerFactory(cfg.LogLevel)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: disabled, error, warn, info, debug, trace")
	rootCmd.PersistentFlags().DurationVar(&ackTimeout, "ack-timeout", 2*time.Second, "initial retransmission timeout")
	rootCmd.PersistentFlags().IntVar(&maxRetransmit, "max-retransmit", 4, "retransmissions before giving up, 0 disables them")

	rootCmd.AddCommand(serveCmd, getCmd, pingCmd, discoverCmd)
}
