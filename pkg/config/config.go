package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashlb/pkg/routing"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Listen   ListenConfig            `yaml:"listen"`
	Ring     RingConfig              `yaml:"ring"`
	Health   HealthConfig            `yaml:"health"`
	Proxy    ProxyConfig             `yaml:"proxy"`
	Log      LogConfig               `yaml:"log"`
	Backends []routing.BackendConfig `yaml:"backends"`
}

// ListenConfig listener and shutdown configuration
type ListenConfig struct {
	BindAddr       string `yaml:"bind_addr"`       // Proxy listening address (format: ip:port or :port, e.g., ":7000")
	ListenAddress  string `yaml:"listen_address"`  // Metrics/admin listener address
	TelemetryPath  string `yaml:"telemetry_path"`  // Metrics path
	MaxConnections int64  `yaml:"max_connections"` // Max simultaneously open connections per listening socket
	DrainTimeout   int    `yaml:"drain_timeout"`   // Grace period for open sessions on shutdown (seconds)
}

// RingConfig consistent-hash ring configuration
type RingConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"` // Virtual nodes per backend
}

// HealthConfig health monitor configuration
type HealthConfig struct {
	Interval         int `yaml:"interval"`          // Probe interval in seconds
	ProbeTimeout     int `yaml:"probe_timeout"`     // Per-probe timeout in seconds
	FailThreshold    int `yaml:"fail_threshold"`    // Consecutive failures before Down
	RecoverThreshold int `yaml:"recover_threshold"` // Consecutive successes before Healthy
}

// ProxyConfig dispatcher configuration
type ProxyConfig struct {
	DialTimeout int `yaml:"dial_timeout"` // Backend connect timeout in seconds
	DialRetries int `yaml:"dial_retries"` // Retries against another backend after a failed connect
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Listen.BindAddr == "" {
		c.Listen.BindAddr = ":7000"
	}
	if c.Listen.ListenAddress == "" {
		c.Listen.ListenAddress = ":9090"
	}
	if c.Listen.TelemetryPath == "" {
		c.Listen.TelemetryPath = "/metrics"
	}
	if c.Listen.MaxConnections == 0 {
		c.Listen.MaxConnections = 1024
	}
	if c.Listen.DrainTimeout == 0 {
		c.Listen.DrainTimeout = 30
	}

	if c.Ring.VirtualNodes == 0 {
		c.Ring.VirtualNodes = 32
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = 5
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2
	}
	if c.Health.FailThreshold == 0 {
		c.Health.FailThreshold = 3
	}
	if c.Health.RecoverThreshold == 0 {
		c.Health.RecoverThreshold = 2
	}

	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 3
	}
	if c.Proxy.DialRetries == 0 {
		c.Proxy.DialRetries = 2
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetHealthInterval gets the health probe interval
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// GetProbeTimeout gets the per-probe timeout
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeout) * time.Second
}

// GetDialTimeout gets the backend connect timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetDrainTimeout gets the shutdown drain grace period
func (c *Config) GetDrainTimeout() time.Duration {
	return time.Duration(c.Listen.DrainTimeout) * time.Second
}

// BackendAddrs returns the configured backend addresses in "host:port" form,
// preserving configuration order.
func (c *Config) BackendAddrs() []string {
	addrs := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		addrs = append(addrs, b.Addr())
	}
	return addrs
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("HASHLB_BIND_ADDR"); val != "" {
		c.Listen.BindAddr = val
	}
	if val := os.Getenv("HASHLB_LISTEN_ADDRESS"); val != "" {
		c.Listen.ListenAddress = val
	}
	if val := os.Getenv("HASHLB_TELEMETRY_PATH"); val != "" {
		c.Listen.TelemetryPath = val
	}
	if val := os.Getenv("HASHLB_MAX_CONNECTIONS"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Listen.MaxConnections = i
		}
	}
	if val := os.Getenv("HASHLB_DRAIN_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Listen.DrainTimeout = i
		}
	}

	if val := os.Getenv("HASHLB_VIRTUAL_NODES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Ring.VirtualNodes = i
		}
	}

	if val := os.Getenv("HASHLB_HEALTH_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Health.Interval = i
		}
	}
	if val := os.Getenv("HASHLB_PROBE_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Health.ProbeTimeout = i
		}
	}
	if val := os.Getenv("HASHLB_FAIL_THRESHOLD"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Health.FailThreshold = i
		}
	}
	if val := os.Getenv("HASHLB_RECOVER_THRESHOLD"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Health.RecoverThreshold = i
		}
	}

	if val := os.Getenv("HASHLB_DIAL_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.DialTimeout = i
		}
	}
	if val := os.Getenv("HASHLB_DIAL_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Proxy.DialRetries = i
		}
	}

	// Comma-separated backend list replaces the configured set when present
	if val := os.Getenv("HASHLB_BACKENDS"); val != "" {
		if backends, err := routing.ParseBackendList(val); err == nil && len(backends) > 0 {
			c.Backends = backends
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}
