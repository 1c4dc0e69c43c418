package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, _, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "otaku version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("version command", func(t *testing.T) {
		out, _, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "otaku version "+GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, _, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "MyAnimeList")
		assert.Contains(t, out, "router agent")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		for _, name := range []string{"ask", "serve", "stop", "status", "refresh", "tools", "transcript", "configure", "version"} {
			assert.True(t, hasCommand(name), name)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
