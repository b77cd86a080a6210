package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/config"
)

// captureStdout points the process logger at a buffer and restores the
// package state when the test ends.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldDefault := slog.Default()
	mu.Lock()
	oldStdout := stdout
	stdout = &buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		stdout = oldStdout
		if rotator != nil {
			_ = rotator.Close()
			rotator = nil
		}
		dropEvery, dropBurst = 5*time.Second, 10
		mu.Unlock()
		slog.SetDefault(oldDefault)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"", "trace", "loud"} {
		_, err := ParseLevel(in)
		assert.Error(t, err, in)
	}
}

func TestInitJSONCarriesService(t *testing.T) {
	buf := captureStdout(t)

	logger, err := Init(config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.Same(t, logger, slog.Default())

	slog.Debug("below level")
	slog.Info("frame dropped", "device.id", "ethernet1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "frame dropped", rec["msg"])
	assert.Equal(t, Service, rec["service"])
	assert.Equal(t, "ethernet1", rec["device.id"])
}

func TestInitSwitchesLogFile(t *testing.T) {
	buf := captureStdout(t)
	dir := t.TempDir()
	fileConfig := func(name string) config.LogConfig {
		return config.LogConfig{
			Level:  "debug",
			Format: "text",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{
				Enabled:  true,
				Path:     filepath.Join(dir, name),
				Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1},
			}},
		}
	}

	_, err := Init(fileConfig("first.log"))
	require.NoError(t, err)
	slog.Info("before reload")

	_, err = Init(fileConfig("second.log"))
	require.NoError(t, err)
	slog.Info("after reload")

	first, err := os.ReadFile(filepath.Join(dir, "first.log"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "second.log"))
	require.NoError(t, err)
	assert.Contains(t, string(first), "before reload")
	assert.NotContains(t, string(first), "after reload")
	assert.Contains(t, string(second), "after reload")

	// Stdout sees both.
	assert.Contains(t, buf.String(), "before reload")
	assert.Contains(t, buf.String(), "after reload")
}

func TestInitErrorsKeepPreviousLogger(t *testing.T) {
	captureStdout(t)
	logger, err := Init(config.LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "loud", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file without path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Same(t, logger, slog.Default())
		})
	}
}

func TestDropLoggerUsesConfiguredRate(t *testing.T) {
	buf := captureStdout(t)
	_, err := Init(config.LogConfig{
		Level:  "debug",
		Format: "text",
		Drops:  config.DropLogConfig{Interval: time.Hour, Burst: 2},
	})
	require.NoError(t, err)

	drops := NewDropLogger("stack")
	for i := 0; i < 5; i++ {
		drops.Debug("packet dropped", "drop.reason", "fragment")
	}

	assert.Equal(t, 2, strings.Count(buf.String(), "packet dropped"))
	assert.Contains(t, buf.String(), "component=stack")
	assert.Contains(t, buf.String(), "service=netcore")
	assert.Equal(t, int64(3), drops.Suppressed())
}
