// Package config loads the proxy's YAML configuration file: read-and-
// unmarshal with yaml.v3, write a default file on first run, and expose the
// parsed result as a plain value rather than a live-reloading manager —
// there is no per-app rule hot-reload to react to here, so nothing needs a
// file watcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
)

// Duration wraps time.Duration so config files can spell values as "30s"
// or "5m" rather than raw nanosecond counts.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration for the NatNeg proxy.
type Config struct {
	// Listen is the local UDP address the proxy's NatNeg-facing socket
	// binds to, e.g. ":27901".
	Listen string `yaml:"listen"`

	// UpstreamHost and UpstreamPort name the real NatNeg server that
	// InitialPhase resolves and connects outward to.
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort uint16 `yaml:"upstream_port"`

	// IdleTimeout bounds how long a session (InitialPhase or
	// GameConnection) may go without activity before it is evicted.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// PublicAddress configures the periodic "what is my public IP" probe.
	PublicAddress PublicAddressConfig `yaml:"public_address,omitempty"`

	// Workers is the number of shared worker goroutines draining strands.
	// Zero means the runtime default of 2.
	Workers int `yaml:"workers,omitempty"`

	Logging corelog.LogConfig `yaml:"logging,omitempty"`
}

// PublicAddressConfig configures internal/publicip.Provider.
type PublicAddressConfig struct {
	Endpoint string        `yaml:"endpoint,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
}

// Default returns the configuration this proxy ships with out of the box:
// the well-known upstream NatNeg server, the standard NatNeg port, and a
// one-minute idle timeout for both session kinds.
func Default() Config {
	return Config{
		Listen:       ":27901",
		UpstreamHost: "natneg.server.cnc-online.net",
		UpstreamPort: 27901,
		IdleTimeout:  Duration(time.Minute),
		PublicAddress: PublicAddressConfig{
			Endpoint: "",
			Interval: Duration(time.Minute),
		},
		Workers: 2,
		Logging: corelog.LogConfig{
			Level: "info",
		},
	}
}

// Load reads and parses path. If the file does not exist, it is created
// with Default's contents and that default is returned.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if saveErr := Save(path, cfg); saveErr != nil {
				return cfg, fmt.Errorf("writing default config %s: %w", path, saveErr)
			}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
