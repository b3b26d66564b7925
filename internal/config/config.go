// Package config provides configuration parsing and validation for QuicGate.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quicgate/quicgate/internal/protocol"
)

// Config represents a complete QuicGate configuration. One file can carry
// any subset of the role sections; each subcommand validates only its own.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Connector ConnectorConfig `yaml:"connector"`
	Agent     AgentConfig     `yaml:"agent"`
	Health    HealthConfig    `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TLSConfig defines TLS material for one role.
type TLSConfig struct {
	Cert     string `yaml:"cert"`      // Certificate file path
	Key      string `yaml:"key"`       // Private key file path
	CA       string `yaml:"ca"`        // Trust root for the peer
	ClientCA string `yaml:"client_ca"` // Client CA for mTLS (relay only)
	// InsecureSkipVerify disables server certificate verification. Explicit
	// opt-out for development; never the default.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RelayConfig defines the Intermediate server settings.
type RelayConfig struct {
	Listen string    `yaml:"listen"` // UDP listen address
	TLS    TLSConfig `yaml:"tls"`
	// TokenSecret seeds the retry-token key; empty means a random
	// process-lifetime key.
	TokenSecret string `yaml:"token_secret"`
}

// ServiceConfig binds one service id to a backend address.
type ServiceConfig struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"`
}

// ConnectorConfig defines the App Connector settings.
type ConnectorConfig struct {
	Relay            string          `yaml:"relay"` // relay address host:port
	TLS              TLSConfig       `yaml:"tls"`
	Services         []ServiceConfig `yaml:"services"`
	DisableHolePunch bool            `yaml:"disable_hole_punch"`
}

// AgentConfig defines the Agent settings.
type AgentConfig struct {
	Relay    string    `yaml:"relay"` // relay address host:port
	TLS      TLSConfig `yaml:"tls"`
	Services []string  `yaml:"services"` // service ids to register interest in
}

// HealthConfig defines the health/metrics HTTP server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Listen: "0.0.0.0:4433",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the role-independent sections. The role sections are
// checked by ValidateRelay/ValidateConnector/ValidateAgent when the matching
// subcommand runs, so a file carrying only one role stays valid.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	return joinErrs(errs)
}

// ValidateRelay checks the relay section.
func (c *Config) ValidateRelay() error {
	var errs []string

	if c.Relay.Listen == "" {
		errs = append(errs, "relay.listen is required")
	}
	if c.Relay.TLS.Cert == "" || c.Relay.TLS.Key == "" {
		errs = append(errs, "relay.tls.cert and relay.tls.key are required")
	}

	return joinErrs(errs)
}

// ValidateConnector checks the connector section.
func (c *Config) ValidateConnector() error {
	var errs []string

	if c.Connector.Relay == "" {
		errs = append(errs, "connector.relay is required")
	}
	if c.Connector.TLS.Cert == "" || c.Connector.TLS.Key == "" {
		errs = append(errs, "connector.tls.cert and connector.tls.key are required")
	}
	if len(c.Connector.Services) == 0 {
		errs = append(errs, "connector.services must list at least one service")
	}
	for i, svc := range c.Connector.Services {
		if svc.ID == "" || len(svc.ID) > protocol.MaxServiceIDLen {
			errs = append(errs, fmt.Sprintf("connector.services[%d]: invalid service id", i))
		}
		if svc.Backend == "" {
			errs = append(errs, fmt.Sprintf("connector.services[%d]: backend is required", i))
		}
	}

	return joinErrs(errs)
}

// ValidateAgent checks the agent section.
func (c *Config) ValidateAgent() error {
	var errs []string

	if c.Agent.Relay == "" {
		errs = append(errs, "agent.relay is required")
	}
	if c.Agent.TLS.Cert == "" || c.Agent.TLS.Key == "" {
		errs = append(errs, "agent.tls.cert and agent.tls.key are required")
	}
	for i, svc := range c.Agent.Services {
		if svc == "" || len(svc) > protocol.MaxServiceIDLen {
			errs = append(errs, fmt.Sprintf("agent.services[%d]: invalid service id", i))
		}
	}

	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Relay.TokenSecret != "" {
		redacted.Relay.TokenSecret = redactedValue
	}
	// Key paths point to sensitive files.
	for _, tc := range []*TLSConfig{&redacted.Relay.TLS, &redacted.Connector.TLS, &redacted.Agent.TLS} {
		if tc.Key != "" {
			tc.Key = redactedValue
		}
	}

	return redacted
}
