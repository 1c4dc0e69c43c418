package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/otaku/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without pid file", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		out, _, err := execute(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running when pid is alive", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, map[string]interface{}{
			"gateway": map[string]interface{}{"host": "127.0.0.1", "port": 9911},
		})
		pid := os.Getpid()
		require.NoError(t, os.WriteFile(daemon.PIDFile(dataDir), []byte(strconv.Itoa(pid)), 0o644))

		out, _, err := execute(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(pid))
		assert.Contains(t, out, "Gateway: 127.0.0.1:9911")
	})

	t.Run("stale pid file", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte("garbage"), 0o644))

		out, _, err := execute(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		assert.False(t, isRunning(filepath.Join(t.TempDir(), "nonexistent.pid")))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0o644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("own pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "self.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
		assert.True(t, isRunning(pidFile))
	})
}
