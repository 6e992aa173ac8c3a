// Package config loads and holds cluster/vat configuration, grounded on the
// teacher's process-wide global config owner (cmn.GCO): a singleton that
// hands out an immutable snapshot so an in-flight crank never observes a
// config reload halfway through.
package config

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// VatConfig describes how to launch one vat (spec §4 Subcluster).
type VatConfig struct {
	BundleSpec string            `yaml:"bundleSpec,omitempty"`
	BundleName string            `yaml:"bundleName,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// ClusterConfig is the persisted launch spec for one subcluster.
type ClusterConfig struct {
	Bootstrap string               `yaml:"bootstrap"`
	Vats      map[string]VatConfig `yaml:"vats"`
}

// Config is the process-wide kernel configuration.
type Config struct {
	StorePath      string        `yaml:"storePath"`
	MaxReconnect   uint32        `yaml:"maxReconnectAttempts"` // 0 == infinite
	ReconnectBase  string        `yaml:"reconnectBaseDelay"`
	ReconnectCap   string        `yaml:"reconnectCapDelay"`
	MaxMsgQueue    int           `yaml:"maxMessageQueue"`
	Verbosity      int           `yaml:"verbosity"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.StorePath == "" {
		c.StorePath = "kernel.db"
	}
	if c.ReconnectBase == "" {
		c.ReconnectBase = "100ms"
	}
	if c.ReconnectCap == "" {
		c.ReconnectCap = "30s"
	}
	if c.MaxMsgQueue == 0 {
		c.MaxMsgQueue = 200
	}
}

// Owner is a process-wide holder of the current *Config, swappable without
// locking out readers mid-crank.
type Owner struct {
	v atomic.Value
}

func NewOwner(c *Config) *Owner {
	o := &Owner{}
	o.v.Store(c)
	return o
}

func (o *Owner) Get() *Config { return o.v.Load().(*Config) }

func (o *Owner) Update(c *Config) { o.v.Store(c) }
