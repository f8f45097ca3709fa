// Package config loads and validates backend configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
)

// Config is the full backend configuration.
type Config struct {
	AppName  string         `mapstructure:"app_name"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Model    ModelConfig    `mapstructure:"model"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// IdentityConfig configures identity resolution.
type IdentityConfig struct {
	// StaticUserID pins every turn to one user (single-tenant / dev mode).
	// When set it takes precedence over caller-supplied identity.
	StaticUserID string `mapstructure:"static_user_id"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend string `mapstructure:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `mapstructure:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `mapstructure:"dsn"`
}

// RunnerConfig bounds turn execution.
type RunnerConfig struct {
	MaxToolCycles int `mapstructure:"max_tool_cycles"`
}

// ModelConfig configures the model client.
type ModelConfig struct {
	Name string `mapstructure:"name"`
}

// Load reads configuration from the given file (optional), the AGENTBRIDGE_*
// environment, and built-in defaults, in increasing precedence of
// environment over file over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("app_name", "agentbridge")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "agentbridge.db")
	v.SetDefault("runner.max_tool_cycles", 5)
	v.SetDefault("model.name", "scripted")

	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to read config file "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to decode config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "invalid config", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once rather than stopping at the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.AppName == "" {
		result = multierror.Append(result, fmt.Errorf("app_name must not be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			result = multierror.Append(result, fmt.Errorf("store.path required for sqlite backend"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("store.dsn required for postgres backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Runner.MaxToolCycles <= 0 {
		result = multierror.Append(result, fmt.Errorf("runner.max_tool_cycles must be positive"))
	}

	return result.ErrorOrNil()
}
