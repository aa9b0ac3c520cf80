// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandgate/sandgate/domain/inject"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Container ContainerConfig `yaml:"container"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// No write timeout by default: WebSocket sessions and streaming
	// responses are long-lived.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ContainerConfig configures reaching the sandboxed container.
type ContainerConfig struct {
	Host            string        `yaml:"host"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// GatewayConfig configures the agent gateway process and the values
// injected into every forwarded URL.
type GatewayConfig struct {
	// Port is the container port the gateway listens on.
	Port int `yaml:"port"`

	// Token is the shared secret the gateway checks. It may rotate at
	// runtime via config reload; a missing token fails requests, not
	// startup, so the proxy can come up before the gateway is paired.
	Token string `yaml:"token"`

	// Debug is forwarded to the gateway as its debug flag.
	Debug string `yaml:"debug"`

	// ClientLabel identifies this proxy instance to the gateway.
	ClientLabel string `yaml:"client_label"`

	// Params overrides the default injection rules.
	Params []ParamConfig `yaml:"params"`
}

// ParamConfig declares one injection rule.
type ParamConfig struct {
	Source    string `yaml:"source"`
	Param     string `yaml:"param"`
	Required  bool   `yaml:"required"`
	Transform string `yaml:"transform"`
}

// AuditConfig configures the request audit trail.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"

	// DebugRequests logs original and rewritten path+query per request
	// with injected values redacted.
	DebugRequests bool `yaml:"debug_requests"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if HasEnvConfig() {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set SANDGATE_GATEWAY_PORT")
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("SANDGATE_GATEWAY_PORT") != ""
}

// applyEnvOverrides applies SANDGATE_* environment variables to the
// config. Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SANDGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SANDGATE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}

	if v := os.Getenv("SANDGATE_CONTAINER_HOST"); v != "" {
		cfg.Container.Host = v
	}
	if v := os.Getenv("SANDGATE_CONTAINER_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Container.ConnectTimeout = d
		}
	}

	if v := os.Getenv("SANDGATE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SANDGATE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("SANDGATE_GATEWAY_DEBUG"); v != "" {
		cfg.Gateway.Debug = v
	}
	if v := os.Getenv("SANDGATE_GATEWAY_CLIENT_LABEL"); v != "" {
		cfg.Gateway.ClientLabel = v
	}

	if v := os.Getenv("SANDGATE_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v)
	}
	if v := os.Getenv("SANDGATE_AUDIT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.BatchSize = n
		}
	}
	if v := os.Getenv("SANDGATE_AUDIT_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Audit.FlushInterval = d
		}
	}

	if v := os.Getenv("SANDGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("SANDGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SANDGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SANDGATE_LOG_DEBUG_REQUESTS"); v != "" {
		cfg.Logging.DebugRequests = parseBool(v)
	}

	if v := os.Getenv("SANDGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}

	if cfg.Container.Host == "" {
		cfg.Container.Host = "127.0.0.1"
	}
	if cfg.Container.ConnectTimeout == 0 {
		cfg.Container.ConnectTimeout = 5 * time.Second
	}
	if cfg.Container.MaxIdleConns == 0 {
		cfg.Container.MaxIdleConns = 100
	}
	if cfg.Container.IdleConnTimeout == 0 {
		cfg.Container.IdleConnTimeout = 90 * time.Second
	}

	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 100
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = 10 * time.Second
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sandgate.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.Port == 0 {
		return fmt.Errorf("gateway.port is required")
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be a valid port, got %d", cfg.Gateway.Port)
	}

	// The token is deliberately NOT validated here: the gateway may not
	// be paired yet when the proxy starts, and the token can arrive via
	// a later config reload. Requests fail individually until then.

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if _, err := cfg.RuleSet(); err != nil {
		return err
	}

	return nil
}

// RuleSet builds the injection rules from configuration. With no params
// configured, the default rule set applies.
func (c *Config) RuleSet() (inject.RuleSet, error) {
	if len(c.Gateway.Params) == 0 {
		return inject.Default, nil
	}

	rules := make([]inject.Rule, 0, len(c.Gateway.Params))
	for i, p := range c.Gateway.Params {
		transform, err := inject.TransformByName(p.Transform)
		if err != nil {
			return nil, fmt.Errorf("gateway.params[%d]: %w", i, err)
		}
		rules = append(rules, inject.Rule{
			Source:    inject.Key(p.Source),
			Param:     p.Param,
			Required:  p.Required,
			Transform: transform,
		})
	}

	rs, err := inject.NewRuleSet(rules...)
	if err != nil {
		return nil, fmt.Errorf("gateway.params: %w", err)
	}
	return rs, nil
}

// Values returns the current injectable values by key. Empty means
// absent; the injector decides per rule whether that is an error.
func (c *Config) Values() map[inject.Key]string {
	return map[inject.Key]string{
		inject.KeyGatewayToken: c.Gateway.Token,
		inject.KeyGatewayDebug: c.Gateway.Debug,
		inject.KeyClientLabel:  c.Gateway.ClientLabel,
	}
}
