// Package config provides configuration parsing and validation for udprelay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Activation modes for the listen socket.
const (
	// ActivationAuto adopts a systemd-passed socket when one is available
	// and falls back to binding the configured listen address otherwise.
	ActivationAuto = "auto"
	// ActivationRequire refuses to start unless systemd passed a socket.
	ActivationRequire = "require"
	// ActivationOff always binds the configured listen address.
	ActivationOff = "off"
)

// Config represents the complete proxy configuration.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Log      LogConfig      `yaml:"log"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Health   HealthConfig   `yaml:"health"`
}

// ProxyConfig contains the data-plane settings.
type ProxyConfig struct {
	// ListenAddress is the UDP address clients send to (host:port).
	ListenAddress string `yaml:"listen_address"`

	// UpstreamAddress is the UDP address traffic is forwarded to (host:port).
	UpstreamAddress string `yaml:"upstream_address"`

	// SourceAddress is the local IP upstream-facing sockets bind to.
	// Empty means the OS picks.
	SourceAddress string `yaml:"source_address"`

	// IdleTimeout is how long a session may be silent before the sweeper
	// removes it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle sweeper runs.
	// 0 means IdleTimeout/2.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxSessions limits concurrent sessions. 0 means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// SessionRate limits new session creation per second. 0 disables the limit.
	SessionRate float64 `yaml:"session_rate"`

	// SessionBurst is the burst size for the session rate limiter.
	SessionBurst int `yaml:"session_burst"`

	// BufferSize is the datagram read buffer size in bytes.
	BufferSize int `yaml:"buffer_size"`

	// ReadBuffer sets SO_RCVBUF on the listen socket. 0 keeps the OS default.
	ReadBuffer int `yaml:"read_buffer"`

	// WriteBuffer sets SO_SNDBUF on the listen socket. 0 keeps the OS default.
	WriteBuffer int `yaml:"write_buffer"`

	// ReusePort sets SO_REUSEPORT on the listen socket (Linux only).
	ReusePort bool `yaml:"reuse_port"`

	// SocketActivation controls adoption of a systemd-passed listen socket:
	// auto, require, or off.
	SocketActivation string `yaml:"socket_activation"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, journal
}

// WatchdogConfig contains supervisor keep-alive settings.
type WatchdogConfig struct {
	// Interval overrides the notification interval derived from the
	// supervisor's WatchdogSec. 0 means half the supervisor's timeout.
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig contains health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MaxDatagramSize is the largest UDP payload the proxy will carry.
const MaxDatagramSize = 65535

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress:    "0.0.0.0:9999",
			UpstreamAddress:  "",
			SourceAddress:    "",
			IdleTimeout:      60 * time.Second,
			SweepInterval:    0,
			MaxSessions:      1000,
			SessionRate:      0,
			SessionBurst:     100,
			BufferSize:       MaxDatagramSize,
			ReadBuffer:       0,
			WriteBuffer:      0,
			ReusePort:        false,
			SocketActivation: ActivationAuto,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Watchdog: WatchdogConfig{
			Interval: 0,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
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
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Proxy.ListenAddress == "" && c.Proxy.SocketActivation != ActivationRequire {
		errs = append(errs, "proxy.listen_address is required unless socket_activation is \"require\"")
	}
	if c.Proxy.ListenAddress != "" {
		if err := validateHostPort(c.Proxy.ListenAddress); err != nil {
			errs = append(errs, fmt.Sprintf("proxy.listen_address: %v", err))
		}
	}

	if c.Proxy.UpstreamAddress == "" {
		errs = append(errs, "proxy.upstream_address is required")
	} else if err := validateHostPort(c.Proxy.UpstreamAddress); err != nil {
		errs = append(errs, fmt.Sprintf("proxy.upstream_address: %v", err))
	}

	if c.Proxy.SourceAddress != "" {
		if ip := net.ParseIP(c.Proxy.SourceAddress); ip == nil {
			errs = append(errs, fmt.Sprintf("proxy.source_address: invalid IP: %s", c.Proxy.SourceAddress))
		}
	}

	if c.Proxy.IdleTimeout <= 0 {
		errs = append(errs, "proxy.idle_timeout must be positive")
	}
	if c.Proxy.SweepInterval < 0 {
		errs = append(errs, "proxy.sweep_interval must not be negative")
	}
	if c.Proxy.MaxSessions < 0 {
		errs = append(errs, "proxy.max_sessions must not be negative")
	}
	if c.Proxy.SessionRate < 0 {
		errs = append(errs, "proxy.session_rate must not be negative")
	}
	if c.Proxy.BufferSize < 512 || c.Proxy.BufferSize > MaxDatagramSize {
		errs = append(errs, fmt.Sprintf("proxy.buffer_size must be between 512 and %d", MaxDatagramSize))
	}

	switch c.Proxy.SocketActivation {
	case ActivationAuto, ActivationRequire, ActivationOff:
	default:
		errs = append(errs, fmt.Sprintf("proxy.socket_activation: invalid mode: %s (must be auto, require, or off)", c.Proxy.SocketActivation))
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or journal)", c.Log.Format))
	}

	if c.Watchdog.Interval < 0 {
		errs = append(errs, "watchdog.interval must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// EffectiveSweepInterval returns the configured sweep interval, or half the
// idle timeout when unset.
func (c *Config) EffectiveSweepInterval() time.Duration {
	if c.Proxy.SweepInterval > 0 {
		return c.Proxy.SweepInterval
	}
	return c.Proxy.IdleTimeout / 2
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port: %s", addr)
	}
	if port == "" {
		return fmt.Errorf("port is required: %s", addr)
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			// Hostnames are allowed; they resolve at startup.
			if strings.ContainsAny(host, " \t") {
				return fmt.Errorf("invalid host: %s", host)
			}
		}
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
	case "text", "json", "journal":
		return true
	default:
		return false
	}
}

// String returns the YAML representation of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
