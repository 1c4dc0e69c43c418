package cli

import (
	"os"
	"testing"

	"github.com/harun/otaku/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := execute(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the otaku daemon service")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running removes stale pid file", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, nil)
		pidFile := daemon.PIDFile(dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))

		_, _, err := execute(t, "stop", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")

		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})
}
