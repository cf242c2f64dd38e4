// Package config loads the daemon configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/cehteh/rmrfd/internal/platform"
)

// DefaultPath is where the daemon looks when no --config is given.
const DefaultPath = "/etc/rmrfd/rmrfd.toml"

// DefaultMinSize is the tracking threshold: 64 filesystem blocks. Smaller
// objects are deleted by the remnant pass without individual accounting.
const DefaultMinSize = 64 * platform.BlockSize

// Config is the daemon configuration file.
type Config struct {
	// Socket is the unix socket the protocol server listens on.
	Socket string `toml:"socket"`
	// MetricsListen enables the Prometheus endpoint when non-empty.
	MetricsListen string `toml:"metrics_listen"`
	// MinSize is the human-readable tracking threshold ("32K", "1M").
	MinSize string `toml:"min_size"`
	// GatherWorkers and ReclaimWorkers bound walk and unlink parallelism.
	GatherWorkers  int `toml:"gather_workers"`
	ReclaimWorkers int `toml:"reclaim_workers"`
	// Armed must be explicitly true for the daemon to delete anything.
	// Absent or false runs in observe-only mode.
	Armed *bool `toml:"armed"`
	// CrossDevice is "fail" (default) or "unmount".
	CrossDevice string `toml:"cross_device"`
	// LogLevel is a zerolog level name; default "info".
	LogLevel string `toml:"log_level"`

	Domains []DomainConfig `toml:"domain"`
}

// DomainConfig declares one staging domain.
type DomainConfig struct {
	// Root is the staging directory, one per filesystem.
	Root string `toml:"root"`
}

// Load reads path and applies defaults. A missing file at the default path
// is not an error; an explicitly named missing file is.
func Load(path string) (Config, error) {
	cfg := Config{
		Socket:   "/run/rmrfd.sock",
		MinSize:  "32K",
		LogLevel: "info",
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %s", path, undec[0])
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket must not be empty")
	}
	if _, err := c.MinSizeBytes(); err != nil {
		return err
	}
	switch c.CrossDevice {
	case "", "fail", "unmount":
	default:
		return fmt.Errorf("cross_device must be \"fail\" or \"unmount\", got %q", c.CrossDevice)
	}
	for _, d := range c.Domains {
		if d.Root == "" {
			return fmt.Errorf("domain without root")
		}
	}
	return nil
}

// MinSizeBytes parses the tracking threshold.
func (c *Config) MinSizeBytes() (int64, error) {
	if c.MinSize == "" {
		return DefaultMinSize, nil
	}
	n, err := ParseSize(c.MinSize)
	if err != nil {
		return 0, fmt.Errorf("min_size: %w", err)
	}
	return n, nil
}

// IsArmed reports whether deletion is enabled.
func (c *Config) IsArmed() bool {
	return c.Armed != nil && *c.Armed
}
