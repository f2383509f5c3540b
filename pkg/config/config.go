package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PeripheralConfig describes one managed peripheral role.
type PeripheralConfig struct {
	Role      string `yaml:"role"`
	Address   string `yaml:"address"`
	Vendor    string `yaml:"vendor"`
	HoldReady bool   `yaml:"hold_ready"`
}

// BackoffSettings carries the reconnect delay tiers.
type BackoffSettings struct {
	ImmediateWindow Duration `yaml:"immediate_window"`
	ShortDelay      Duration `yaml:"short_delay"`
	LongWindow      Duration `yaml:"long_window"`
	LongDelay       Duration `yaml:"long_delay"`
}

// Config holds application configuration.
type Config struct {
	LogLevel          string             `yaml:"log_level"`
	ConnectTimeout    Duration           `yaml:"connect_timeout"`
	DisconnectTimeout Duration           `yaml:"disconnect_timeout"`
	HoldOff           Duration           `yaml:"hold_off"`
	Backoff           BackoffSettings    `yaml:"backoff"`
	MarkerDir         string             `yaml:"marker_dir"`
	Peripherals       []PeripheralConfig `yaml:"peripherals"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		ConnectTimeout:    Duration(30 * time.Second),
		DisconnectTimeout: Duration(10 * time.Second),
		HoldOff:           Duration(500 * time.Millisecond),
		Backoff: BackoffSettings{
			ImmediateWindow: Duration(15 * time.Second),
			ShortDelay:      Duration(5 * time.Second),
			LongWindow:      Duration(5 * time.Minute),
			LongDelay:       Duration(60 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	seen := make(map[string]bool)
	for _, p := range c.Peripherals {
		if p.Role == "" {
			return fmt.Errorf("peripheral with address %q has no role", p.Address)
		}
		if seen[p.Role] {
			return fmt.Errorf("duplicate peripheral role %q", p.Role)
		}
		seen[p.Role] = true
		if p.Vendor == "" {
			return fmt.Errorf("peripheral %q has no vendor", p.Role)
		}
	}

	if c.Backoff.ImmediateWindow.Std() > c.Backoff.LongWindow.Std() {
		return fmt.Errorf("backoff immediate_window exceeds long_window")
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
