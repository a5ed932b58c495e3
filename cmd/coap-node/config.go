package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/backkem/coap/pkg/reliability"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// Config is the coap-node configuration file.
type Config struct {
	// Listen is the UDP address the server binds. Default: ":5683"
	Listen string `yaml:"listen"`

	// LogLevel is one of disabled, error, warn, info, debug, trace. Default: "info"
	LogLevel string `yaml:"log_level"`

	Reliability reliability.Params `yaml:"reliability"`
	Advertise   AdvertiseConfig    `yaml:"advertise"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// AdvertiseConfig controls DNS-SD advertisement of the server.
type AdvertiseConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Instance string            `yaml:"instance"`
	Subtypes []string          `yaml:"subtypes"`
	Text     map[string]string `yaml:"text"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics. Empty disables metrics.
	Listen string `yaml:"listen"`
}

func defaultConfig() Config {
	return Config{
		Listen:      ":5683",
		LogLevel:    "info",
		Reliability: reliability.DefaultParams(),
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	c.Reliability = c.Reliability.WithDefaults()
	if err := c.Reliability.Validate(); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

var errUnknownLogLevel = errors.New("unknown log level")

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("%w %q", errUnknownLogLevel, s)
}

func newLoggerFactory(level string) (logging.LoggerFactory, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = lvl
	return f, nil
}
