package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/mqbus/pkg/types"
)

// Config represents the complete configuration for the bus and the auth bridge
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BusConfig contains message bus configuration
type BusConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	QueueSize      int           `json:"queue_size" yaml:"queue_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxMessageSize int           `json:"max_message_size" yaml:"max_message_size"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	DialRetries    int           `json:"dial_retries" yaml:"dial_retries"`
	DialBackoff    time.Duration `json:"dial_backoff" yaml:"dial_backoff"`
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
	OutboundAuth   string        `json:"outbound_auth" yaml:"outbound_auth"` // none, basic, admin
}

// BridgeConfig contains the lokinet auth bridge configuration
type BridgeConfig struct {
	Bind             string        `json:"bind" yaml:"bind"`
	Command          string        `json:"command" yaml:"command"`
	Category         string        `json:"category" yaml:"category"`
	CommandName      string        `json:"command_name" yaml:"command_name"`
	Concurrency      int           `json:"concurrency" yaml:"concurrency"`
	ValidatorTimeout time.Duration `json:"validator_timeout" yaml:"validator_timeout"`
	DecodeMaxDepth   int           `json:"decode_max_depth" yaml:"decode_max_depth"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// applyDefaults fills in zero-valued fields after a partial YAML load
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultBus := DefaultBusConfig()
	if cfg.Bus.Workers == 0 {
		cfg.Bus.Workers = defaultBus.Workers
	}
	if cfg.Bus.QueueSize == 0 {
		cfg.Bus.QueueSize = defaultBus.QueueSize
	}
	if cfg.Bus.RequestTimeout == 0 {
		cfg.Bus.RequestTimeout = defaultBus.RequestTimeout
	}
	if cfg.Bus.MaxMessageSize == 0 {
		cfg.Bus.MaxMessageSize = defaultBus.MaxMessageSize
	}
	if cfg.Bus.WriteTimeout == 0 {
		cfg.Bus.WriteTimeout = defaultBus.WriteTimeout
	}
	if cfg.Bus.DialTimeout == 0 {
		cfg.Bus.DialTimeout = defaultBus.DialTimeout
	}
	if cfg.Bus.DialRetries == 0 {
		cfg.Bus.DialRetries = defaultBus.DialRetries
	}
	if cfg.Bus.DialBackoff == 0 {
		cfg.Bus.DialBackoff = defaultBus.DialBackoff
	}
	if cfg.Bus.MaxConnections == 0 {
		cfg.Bus.MaxConnections = defaultBus.MaxConnections
	}
	if cfg.Bus.OutboundAuth == "" {
		cfg.Bus.OutboundAuth = defaultBus.OutboundAuth
	}

	defaultBridge := DefaultBridgeConfig()
	if cfg.Bridge.Category == "" {
		cfg.Bridge.Category = defaultBridge.Category
	}
	if cfg.Bridge.CommandName == "" {
		cfg.Bridge.CommandName = defaultBridge.CommandName
	}
	if cfg.Bridge.Concurrency == 0 {
		cfg.Bridge.Concurrency = defaultBridge.Concurrency
	}
	if cfg.Bridge.ValidatorTimeout == 0 {
		cfg.Bridge.ValidatorTimeout = defaultBridge.ValidatorTimeout
	}
	if cfg.Bridge.DecodeMaxDepth == 0 {
		cfg.Bridge.DecodeMaxDepth = defaultBridge.DecodeMaxDepth
	}
	if cfg.Bridge.ShutdownTimeout == 0 {
		cfg.Bridge.ShutdownTimeout = defaultBridge.ShutdownTimeout
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvBusWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBusWorkers, err)
		}
		cfg.Bus.Workers = n
	}
	if v := os.Getenv(EnvBusQueueSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBusQueueSize, err)
		}
		cfg.Bus.QueueSize = n
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRequestTimeout, err)
		}
		cfg.Bus.RequestTimeout = d
	}
	if v := os.Getenv(EnvMaxMessageSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxMessageSize, err)
		}
		cfg.Bus.MaxMessageSize = n
	}
	if v := os.Getenv(EnvDialRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvDialRetries, err)
		}
		cfg.Bus.DialRetries = n
	}
	if v := os.Getenv(EnvOutboundAuth); v != "" {
		cfg.Bus.OutboundAuth = v
	}

	if v := os.Getenv(EnvBridgeBind); v != "" {
		cfg.Bridge.Bind = v
	}
	if v := os.Getenv(EnvBridgeCommand); v != "" {
		cfg.Bridge.Command = v
	}
	if v := os.Getenv(EnvBridgeConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBridgeConcurrency, err)
		}
		cfg.Bridge.Concurrency = n
	}
	if v := os.Getenv(EnvValidatorTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvValidatorTimeout, err)
		}
		cfg.Bridge.ValidatorTimeout = d
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	return nil
}

// Load builds a Config from defaults, the optional YAML file at path (or the
// default config file when path is empty and that file exists) and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		if defaultPath, err := GetDefaultConfigPath(); err == nil {
			if _, err := os.Stat(defaultPath); err == nil {
				path = defaultPath
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to check config file: %w", err)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Bus.Workers <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus workers must be positive")
	}
	if c.Bus.QueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bus queue size must be positive")
	}
	if c.Bus.RequestTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "request timeout must be positive")
	}
	if c.Bus.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max message size must be positive")
	}
	if c.Bus.DialRetries < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "dial retries cannot be negative")
	}
	if _, err := types.ParseAuthLevel(c.Bus.OutboundAuth); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid outbound auth level", err)
	}

	if c.Bridge.Concurrency <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "bridge concurrency must be positive")
	}
	if c.Bridge.ValidatorTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "validator timeout must be positive")
	}
	if strings.Contains(c.Bridge.Category, ".") {
		return types.NewError(types.ErrCodeInvalidArgument, "bridge category must not contain '.'")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics address required when metrics are enabled")
	}

	return nil
}

// ValidateBridge checks the settings the auth bridge cannot run without
func (c *Config) ValidateBridge() error {
	if c.Bridge.Bind == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "bridge bind address is required")
	}
	if strings.TrimSpace(c.Bridge.Command) == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "bridge validator command is required")
	}
	return nil
}

// OutboundAuthLevel returns the auth level granted to peers this process dials
func (c BusConfig) OutboundAuthLevel() types.AuthLevel {
	lvl, err := types.ParseAuthLevel(c.OutboundAuth)
	if err != nil {
		return types.AuthNone
	}
	return lvl
}

// ApplyOverrides applies CLI flag-style overrides to the configuration
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.Bind != "" {
		c.Bridge.Bind = opts.Bind
	}
	if opts.Command != "" {
		c.Bridge.Command = opts.Command
	}
	if opts.RequestTimeout > 0 {
		c.Bus.RequestTimeout = opts.RequestTimeout
	}
	if opts.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = opts.MetricsAddress
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	LogLevel       string
	LogFormat      string
	LogOutput      string
	Bind           string
	Command        string
	RequestTimeout time.Duration
	MetricsAddress string
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Bus: %s, Bridge: %s, Metrics: %s}",
		c.Logging.String(), c.Bus.String(), c.Bridge.String(), c.Metrics.String())
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c BusConfig) String() string {
	return fmt.Sprintf("BusConfig{Workers: %d, QueueSize: %d, RequestTimeout: %s, MaxMessageSize: %d}",
		c.Workers, c.QueueSize, c.RequestTimeout, c.MaxMessageSize)
}

// String hides the validator command line, which may embed secrets
func (c BridgeConfig) String() string {
	return fmt.Sprintf("BridgeConfig{Bind: %s, Category: %s, Command: %s.%s, Concurrency: %d}",
		c.Bind, c.Category, c.Category, c.CommandName, c.Concurrency)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}
