// Package tcpconfig loads the YAML-based tunables for a tcpstackd instance:
// the local bind address, listen ports, and the handful of engine constants
// an operator may reasonably want to override per deployment.
package tcpconfig

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds deployment-wide tunables for the engine. Zero values mean
// "use the engine's built-in default" wherever that distinction matters.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	ListenPorts []int  `yaml:"listen_ports"`

	MaxReorderBytes   int           `yaml:"max_reorder_bytes"`
	RetransmitRetries int           `yaml:"retransmit_retries"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	MetricsAddr string `yaml:"metrics_addr"`
	PCAPPath    string `yaml:"pcap_path"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		BindAddress:       "0.0.0.0",
		MaxReorderBytes:   1 << 20,
		RetransmitRetries: 15,
		IdleTimeout:       10 * time.Minute,
		MetricsAddr:       ":9100",
	}
}

// maxConfigSize bounds how much of a config file is ever read, guarding
// against an operator pointing this at an arbitrarily large file.
const maxConfigSize = 1 << 20

// Load reads and parses the YAML config at path, overlaying it onto
// Default(). A missing file is not an error — Default() is returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("tcpconfig: no config file, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("tcpconfig: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("tcpconfig: config file %s too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("tcpconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("tcpconfig: parse %s: %w", path, err)
	}

	slog.Info("tcpconfig: loaded config", "path", path, "bind_address", cfg.BindAddress, "listen_ports", cfg.ListenPorts)
	return cfg, nil
}
