package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"

	PolicyOpen      = "open"
	PolicyGated     = "gated"
	PolicyBootstrap = "bootstrap"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in the config file
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the configuration of a mesh node
type Config struct {
	// Default config file location
	configFile string

	// Node identity: the address it listens on and the key it presents to other nodes
	Node struct {
		Host   string `json:"host"`
		Port   int    `json:"port"`
		APIKey string `json:"api_key,omitempty"`
	} `json:"node"`

	Network struct {
		Transport      string   `json:"transport"`
		ReadBufferSize int      `json:"read_buffer_size"`
		DialTimeout    Duration `json:"dial_timeout"`
	} `json:"network"`

	// Bootstrap target. Empty host means this node is a bootstrap node itself
	Bootstrap struct {
		Host          string   `json:"host,omitempty"`
		Port          int      `json:"port,omitempty"`
		GraceInterval Duration `json:"grace_interval"`
		RetryInterval Duration `json:"retry_interval"`
		RetryJitter   Duration `json:"retry_jitter"`
		MaxAttempts   int      `json:"max_attempts"`
	} `json:"bootstrap"`

	Access struct {
		Policy    string `json:"policy"`
		SeedKey   string `json:"seed_key,omitempty"`
		SeedEmail string `json:"seed_email,omitempty"`
	} `json:"access"`

	DataStore struct {
		PeersPath    string `json:"peers"`
		RegistryPath string `json:"registry"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 5000

	cfg.Network.Transport = TransportTCP
	cfg.Network.ReadBufferSize = 100
	cfg.Network.DialTimeout = Duration(5 * time.Second)

	cfg.Bootstrap.GraceInterval = Duration(time.Second)
	cfg.Bootstrap.RetryInterval = Duration(time.Second)
	cfg.Bootstrap.RetryJitter = Duration(100 * time.Millisecond)
	cfg.Bootstrap.MaxAttempts = 1

	cfg.Access.Policy = PolicyOpen

	cfg.DataStore.PeersPath = "peers.json"
	cfg.DataStore.RegistryPath = "api_keys.db"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// HasBootstrap reports whether a bootstrap target is configured
func (c *Config) HasBootstrap() bool {
	return c.Bootstrap.Host != "" && c.Bootstrap.Port != 0
}

// NeedsRegistry reports whether the access policy consults the API key registry
func (c *Config) NeedsRegistry() bool {
	return c.Access.Policy == PolicyGated || c.Access.Policy == PolicyBootstrap
}

func (c *Config) Validate() error {
	if c.Node.Host == "" {
		return fmt.Errorf("node.host is required")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port %d out of range", c.Node.Port)
	}
	switch c.Network.Transport {
	case TransportTCP, TransportHTTP:
	default:
		return fmt.Errorf("unknown network.transport %q", c.Network.Transport)
	}
	switch c.Access.Policy {
	case PolicyOpen:
	case PolicyGated, PolicyBootstrap:
		if c.Network.Transport != TransportHTTP {
			return fmt.Errorf("access.policy %q requires the %s transport", c.Access.Policy, TransportHTTP)
		}
	default:
		return fmt.Errorf("unknown access.policy %q", c.Access.Policy)
	}
	if c.Network.ReadBufferSize <= 0 {
		return fmt.Errorf("network.read_buffer_size must be positive")
	}
	if c.Network.DialTimeout <= 0 {
		return fmt.Errorf("network.dial_timeout must be positive")
	}
	if (c.Bootstrap.Host == "") != (c.Bootstrap.Port == 0) {
		return fmt.Errorf("bootstrap.host and bootstrap.port must be set together")
	}
	if c.Bootstrap.Port < 0 || c.Bootstrap.Port > 65535 {
		return fmt.Errorf("bootstrap.port %d out of range", c.Bootstrap.Port)
	}
	if c.Bootstrap.RetryJitter < 0 || (c.Bootstrap.RetryJitter > 0 && c.Bootstrap.RetryJitter >= c.Bootstrap.RetryInterval) {
		return fmt.Errorf("bootstrap.retry_jitter must be smaller than bootstrap.retry_interval")
	}
	if c.DataStore.PeersPath == "" {
		return fmt.Errorf("datastore.peers is required")
	}
	if c.NeedsRegistry() && c.DataStore.RegistryPath == "" {
		return fmt.Errorf("datastore.registry is required for access.policy %q", c.Access.Policy)
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
