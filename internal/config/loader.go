package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/baaaht/mqbus/pkg/types"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces ${VAR} and ${VAR:-default} placeholders in s
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 4 {
			return parts[3]
		}
		return ""
	})
}

func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Fields left out of the
// file take their defaults; the environment is not consulted (see Load).
func LoadFromFile(path string) (*Config, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}

	interpolateEnvVarsInConfig(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}

	return &cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in the string fields
// that commonly carry deployment-specific paths and commands
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	cfg.Bus.OutboundAuth = interpolateEnvVars(cfg.Bus.OutboundAuth)

	cfg.Bridge.Bind = interpolateEnvVars(cfg.Bridge.Bind)
	cfg.Bridge.Command = interpolateEnvVars(cfg.Bridge.Command)
	cfg.Bridge.Category = interpolateEnvVars(cfg.Bridge.Category)
	cfg.Bridge.CommandName = interpolateEnvVars(cfg.Bridge.CommandName)

	cfg.Metrics.Address = interpolateEnvVars(cfg.Metrics.Address)
	cfg.Metrics.Path = interpolateEnvVars(cfg.Metrics.Path)
}
