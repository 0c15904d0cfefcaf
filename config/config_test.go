package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rootd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, BackendMemory, cfg.Swap.Backend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
memory:
  frames: 128
  page_tables: 512
  seed: 99
swap:
  backend: file
  path: /tmp/rootd.swap
  size: 1048576
  rate_bytes_per_sec: 4096
admin:
  addr: 127.0.0.1:9999
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format, "unset keys keep their defaults")
	require.Equal(t, 128, cfg.Memory.Frames)
	require.Equal(t, 512, cfg.Memory.PageTables)
	require.Equal(t, uint64(99), cfg.Memory.Seed)
	require.Equal(t, BackendFile, cfg.Swap.Backend)
	require.Equal(t, int64(4096), cfg.Swap.RateBytesPerSec)
	require.Equal(t, "127.0.0.1:9999", cfg.Admin.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "memory: [not, a, map]"))
	require.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "no frames", mutate: func(c *Config) { c.Memory.Frames = 0 }, want: "memory.frames"},
		{name: "unaligned base", mutate: func(c *Config) { c.Memory.PhysicalBase = 0x10 }, want: "physical_base"},
		{name: "unknown backend", mutate: func(c *Config) { c.Swap.Backend = "tape" }, want: "unknown swap.backend"},
		{name: "tiny swap", mutate: func(c *Config) { c.Swap.Size = 4096 }, want: "swap.size"},
		{name: "file without path", mutate: func(c *Config) { c.Swap.Backend = BackendFile; c.Swap.Path = "" }, want: "swap.path"},
		{name: "remote without addr", mutate: func(c *Config) { c.Swap.Backend = BackendRemote }, want: "swap.remote_addr"},
		{name: "no admin addr", mutate: func(c *Config) { c.Admin.Addr = "" }, want: "admin.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	// Every problem is reported together, and swap.size is ignored without swap.
	cfg := Default()
	cfg.Memory.Frames = 0
	cfg.Admin.Addr = ""
	cfg.Swap = SwapConfig{Backend: BackendNone}
	err := cfg.Validate()
	require.ErrorContains(t, err, "memory.frames")
	require.ErrorContains(t, err, "admin.addr")
	require.NotContains(t, err.Error(), "swap")
}
