// Package config loads driver configuration from YAML and applies it
// through the driver's setter surface, so every option passes the same
// validation regardless of whether it came from a file or from code.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relog-project/relog-go/pkg/netstream"
)

// KeepAlive tunes TCP keep-alive probing. Zero values leave the OS
// defaults in place.
type KeepAlive struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`
	Probes   int  `yaml:"probes"`
	Time     int  `yaml:"time"`
}

// DriverConfig describes one driver instance. Credential paths left
// empty fall back to the process-wide defaults.
type DriverConfig struct {
	// Mode is 0 for plain TCP, 1 for TLS.
	Mode int `yaml:"mode"`

	AuthMode           string   `yaml:"authMode"`
	PermittedPeers     []string `yaml:"permittedPeers"`
	PermitExpiredCerts string   `yaml:"permitExpiredCerts"`

	CAFile   string `yaml:"caFile"`
	CRLFile  string `yaml:"crlFile"`
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`

	// VerifyDepth bounds the peer chain length including the leaf;
	// zero means unlimited.
	VerifyDepth int `yaml:"verifyDepth"`

	// CheckExtendedKeyUsage and PrioritizeSAN only accept 1; they exist
	// so configurations carrying them are still applied verbatim.
	CheckExtendedKeyUsage *int `yaml:"checkExtendedKeyUsage"`
	PrioritizeSAN         *int `yaml:"prioritizeSAN"`

	// PriorityString is rejected by the driver when non-empty.
	PriorityString string `yaml:"priorityString"`

	KeepAlive KeepAlive `yaml:"keepAlive"`
}

// Defaults mirrors netstream.Defaults with YAML field names.
type Defaults struct {
	CAFile   string `yaml:"caFile"`
	CRLFile  string `yaml:"crlFile"`
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`
}

// Config is the top-level configuration document.
type Config struct {
	// Defaults is the process-wide default credential set.
	Defaults Defaults `yaml:"defaults"`

	// Driver configures the driver instances created from this config.
	Driver DriverConfig `yaml:"driver"`
}

// DriverDefaults returns the default credential snapshot in the form the
// drivers take.
func (c *Config) DriverDefaults() netstream.Defaults {
	return netstream.Defaults(c.Defaults)
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Apply pushes the driver configuration through the setter surface of d.
// The first rejected option aborts with the driver's error.
func (c *DriverConfig) Apply(d netstream.Driver) error {
	if err := d.SetMode(c.Mode); err != nil {
		return err
	}
	if err := d.SetAuthMode(c.AuthMode); err != nil {
		return err
	}
	if err := d.SetPermitExpiredCerts(c.PermitExpiredCerts); err != nil {
		return err
	}
	if err := d.SetPermittedPeers(c.PermittedPeers); err != nil {
		return err
	}
	if err := d.SetPriorityString(c.PriorityString); err != nil {
		return err
	}

	d.SetCAFile(c.CAFile)
	d.SetCRLFile(c.CRLFile)
	d.SetKeyFile(c.KeyFile)
	d.SetCertFile(c.CertFile)
	d.SetVerifyDepth(c.VerifyDepth)

	if c.CheckExtendedKeyUsage != nil {
		d.SetCheckExtendedKeyUsage(*c.CheckExtendedKeyUsage)
	}
	if c.PrioritizeSAN != nil {
		d.SetPrioritizeSAN(*c.PrioritizeSAN)
	}

	if c.KeepAlive.Interval > 0 {
		d.SetKeepAliveInterval(c.KeepAlive.Interval)
	}
	if c.KeepAlive.Probes > 0 {
		d.SetKeepAliveProbes(c.KeepAlive.Probes)
	}
	if c.KeepAlive.Time > 0 {
		d.SetKeepAliveTime(c.KeepAlive.Time)
	}
	return nil
}
