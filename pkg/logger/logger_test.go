package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rootd.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path, Service: "rootd_test"})
	require.NoError(t, err)

	log.Info("filtered out")
	log.Warn("kept")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"msg":"kept"`)
	require.Contains(t, lines[0], `"service":"rootd_test"`)
	require.Contains(t, lines[0], `"level":"WARN"`)
}

func TestLoggerDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	log, err := New(Config{Level: "nonsense", Format: "console", OutputFile: path})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "shown")
	require.Contains(t, string(data), DefaultService)
	require.NotContains(t, string(data), "hidden")

	_, err = New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
