package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the mqbus configuration directory (~/.config/mqbus on Unix)
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "mqbus"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel          = "MQBUS_LOG_LEVEL"
	EnvLogFormat         = "MQBUS_LOG_FORMAT"
	EnvLogOutput         = "MQBUS_LOG_OUTPUT"
	EnvBusWorkers        = "MQBUS_WORKERS"
	EnvBusQueueSize      = "MQBUS_QUEUE_SIZE"
	EnvRequestTimeout    = "MQBUS_REQUEST_TIMEOUT"
	EnvMaxMessageSize    = "MQBUS_MAX_MESSAGE_SIZE"
	EnvDialRetries       = "MQBUS_DIAL_RETRIES"
	EnvOutboundAuth      = "MQBUS_OUTBOUND_AUTH"
	EnvBridgeBind        = "MQBUS_BRIDGE_BIND"
	EnvBridgeCommand     = "MQBUS_BRIDGE_CMD"
	EnvBridgeConcurrency = "MQBUS_BRIDGE_CONCURRENCY"
	EnvValidatorTimeout  = "MQBUS_VALIDATOR_TIMEOUT"
	EnvMetricsEnabled    = "MQBUS_METRICS_ENABLED"
	EnvMetricsAddress    = "MQBUS_METRICS_ADDR"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"

	// Default Bus settings
	DefaultWorkers        = 4
	DefaultQueueSize      = 1024
	DefaultRequestTimeout = 15 * time.Second
	DefaultMaxMessageSize = 1 << 20
	DefaultWriteTimeout   = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultDialRetries    = 3
	DefaultDialBackoff    = 250 * time.Millisecond
	DefaultMaxConnections = 256
	DefaultOutboundAuth   = "none"

	// Default Bridge settings
	DefaultBridgeCategory    = "llarp"
	DefaultBridgeCommand     = "auth"
	DefaultBridgeConcurrency = 8
	DefaultValidatorTimeout  = 10 * time.Second
	DefaultDecodeMaxDepth    = 64
	DefaultShutdownTimeout   = 10 * time.Second

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsAddress = "127.0.0.1:9095"
	DefaultMetricsPath    = "/metrics"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultBusConfig returns the default bus configuration
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Workers:        DefaultWorkers,
		QueueSize:      DefaultQueueSize,
		RequestTimeout: DefaultRequestTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		WriteTimeout:   DefaultWriteTimeout,
		DialTimeout:    DefaultDialTimeout,
		DialRetries:    DefaultDialRetries,
		DialBackoff:    DefaultDialBackoff,
		MaxConnections: DefaultMaxConnections,
		OutboundAuth:   DefaultOutboundAuth,
	}
}

// DefaultBridgeConfig returns the default auth bridge configuration.
// Bind and Command have no defaults and must be supplied.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Category:         DefaultBridgeCategory,
		CommandName:      DefaultBridgeCommand,
		Concurrency:      DefaultBridgeConcurrency,
		ValidatorTimeout: DefaultValidatorTimeout,
		DecodeMaxDepth:   DefaultDecodeMaxDepth,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Address: DefaultMetricsAddress,
		Path:    DefaultMetricsPath,
	}
}

// Default returns a complete configuration populated with defaults
func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Bus:     DefaultBusConfig(),
		Bridge:  DefaultBridgeConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}
