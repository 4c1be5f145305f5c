package server

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/registry"
)

// Config is the orchestrator server configuration, loadable from a TOML
// file and overridable by command-line flags.
type Config struct {
	// Addr is the listen address, e.g. ":8620".
	Addr string `toml:"addr"`

	// MetaBackend selects the durable store: "mem" or "etcd".
	MetaBackend string `toml:"meta-backend"`
	// EtcdEndpoints is used when MetaBackend is "etcd".
	EtcdEndpoints []string `toml:"etcd-endpoints"`

	// LeaseTTLSeconds is the claim lease duration handed to agents.
	LeaseTTLSeconds int `toml:"lease-ttl-seconds"`
	// ReclaimIntervalSeconds is the period of the lease-expiry checker.
	ReclaimIntervalSeconds int `toml:"reclaim-interval-seconds"`
	// MaxReclaims bounds PENDING<->CLAIMED bounces before forcing FAILED.
	MaxReclaims int `toml:"max-reclaims"`

	// AgentToken, when non-empty, is required as a bearer token on the
	// agent-facing endpoints. Empty disables the check (an external
	// verifier is expected in front).
	AgentToken string `toml:"agent-token"`

	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`
}

// DefaultConfig returns the adjusted defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Adjust()
	return cfg
}

// LoadConfig reads a TOML config file and adjusts it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrBadRequest, err, "config file "+path)
	}
	cfg.Adjust()
	return cfg, nil
}

// Adjust fills defaults for unset fields.
func (c *Config) Adjust() {
	if c.Addr == "" {
		c.Addr = ":8620"
	}
	if c.MetaBackend == "" {
		c.MetaBackend = "mem"
	}
	if c.LeaseTTLSeconds <= 0 {
		c.LeaseTTLSeconds = 90
	}
	if c.ReclaimIntervalSeconds <= 0 {
		c.ReclaimIntervalSeconds = 5
	}
	if c.MaxReclaims <= 0 {
		c.MaxReclaims = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// RegistryConfig derives the registry tunables.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		LeaseTTL:        time.Duration(c.LeaseTTLSeconds) * time.Second,
		ReclaimInterval: time.Duration(c.ReclaimIntervalSeconds) * time.Second,
		MaxReclaims:     c.MaxReclaims,
	}.Adjust()
}
