// Package config loads the rootd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/rootd/config/certs"
	"github.com/sushant-115/rootd/core/hal"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/pkg/logger"
	"github.com/sushant-115/rootd/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Swap backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRemote = "remote"
)

// MemoryConfig sizes the simulated machine.
type MemoryConfig struct {
	hal.MachineConfig `yaml:",inline"`
	// Seed makes mapping placement reproducible. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`
	// MaxFiles bounds each process's descriptor table.
	MaxFiles int `yaml:"max_files"`
}

// SwapConfig selects and sizes the swap backing store.
type SwapConfig struct {
	Backend string `yaml:"backend"`
	// Size is the backing store size in bytes.
	Size int64 `yaml:"size"`
	// Path is the swap file for the file backend.
	Path string `yaml:"path"`
	// RateBytesPerSec throttles the file backend. Zero disables it.
	RateBytesPerSec int64 `yaml:"rate_bytes_per_sec"`
	// RemoteAddr is the page store address for the remote backend.
	RemoteAddr string `yaml:"remote_addr"`
	// ServerName overrides the name verified in the page store certificate.
	ServerName string      `yaml:"server_name"`
	TLS        certs.Files `yaml:"tls"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the whole rootd configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Memory    MemoryConfig     `yaml:"memory"`
	Swap      SwapConfig       `yaml:"swap"`
	Admin     AdminConfig      `yaml:"admin"`
}

// Default returns a configuration that runs a small machine with an
// in-memory swap.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout", Service: logger.DefaultService},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      logger.DefaultService,
			TraceSampleRatio: 1,
		},
		Memory: MemoryConfig{
			MachineConfig: hal.MachineConfig{
				PhysicalBase: 0x10000000,
				Frames:       4096,
				PageTables:   4096,
			},
			MaxFiles: 64,
		},
		Swap: SwapConfig{
			Backend: BackendMemory,
			Size:    64 << 20,
			Path:    "rootd.swap",
		},
		Admin: AdminConfig{Addr: "127.0.0.1:8090"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Memory.Frames <= 0 {
		errs = append(errs, errors.New("memory.frames must be positive"))
	}
	if c.Memory.PhysicalBase%memory.PageSize != 0 {
		errs = append(errs, fmt.Errorf("memory.physical_base 0x%x is not page aligned", c.Memory.PhysicalBase))
	}
	switch c.Swap.Backend {
	case BackendNone:
	case BackendMemory, BackendFile, BackendRemote:
		if c.Swap.Size < memory.ParallelSwaps*memory.PageSize || c.Swap.Size%memory.PageSize != 0 {
			errs = append(errs, fmt.Errorf("swap.size %d must be a page multiple of at least %d", c.Swap.Size, memory.ParallelSwaps*memory.PageSize))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown swap.backend %q", c.Swap.Backend))
	}
	if c.Swap.Backend == BackendFile && c.Swap.Path == "" {
		errs = append(errs, errors.New("swap.path is required for the file backend"))
	}
	if c.Swap.Backend == BackendRemote && c.Swap.RemoteAddr == "" {
		errs = append(errs, errors.New("swap.remote_addr is required for the remote backend"))
	}
	if c.Admin.Addr == "" {
		errs = append(errs, errors.New("admin.addr is required"))
	}
	return errors.Join(errs...)
}
