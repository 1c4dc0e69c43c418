package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("writes JSON to the console writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, ConsoleOut: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Str("expert", "Anime").Msg("Dispatching to expert")
		assert.Contains(t, buf.String(), `"expert":"Anime"`)
		assert.Contains(t, buf.String(), `"message":"Dispatching to expert"`)
	})

	t.Run("filters below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "warn", Console: true, ConsoleOut: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Msg("hidden")
		logger.Warn().Msg("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("falls back to info on an unknown level", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("writes to console and file together", func(t *testing.T) {
		var buf bytes.Buffer
		logFile := filepath.Join(t.TempDir(), "nested", "otaku.log")

		logger, err := New(Config{Level: "debug", Console: true, ConsoleOut: &buf, File: logFile})
		require.NoError(t, err)
		logger.Debug().Msg("both")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "both")
		assert.Contains(t, buf.String(), "both")
	})

	t.Run("has no redactor unless enabled", func(t *testing.T) {
		logger, err := New(Config{Level: "info"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Nil(t, logger.Redactor())
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Console: true, ConsoleOut: &buf})
	require.NoError(t, err)
	defer logger.Close()

	gw := logger.Component("gateway")
	gw.Info().Msg("listening")

	assert.Contains(t, buf.String(), `"component":"gateway"`)
}

func TestClose(t *testing.T) {
	logger, err := New(Config{Level: "info", File: filepath.Join(t.TempDir(), "otaku.log")})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}

func TestNew_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{
		Level:      "info",
		Console:    true,
		ConsoleOut: &buf,
		Redaction:  true,
		Secrets:    []string{"my-mal-client-secret"},
	})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info().
		Str("body", `{"access_token":"eyJhbGciOiJSUzI1NiJ9"}`).
		Str("client", "my-mal-client-secret").
		Msg("Token refreshed")

	out := buf.String()
	assert.NotContains(t, out, "eyJhbGciOiJSUzI1NiJ9")
	assert.NotContains(t, out, "my-mal-client-secret")
	assert.Contains(t, out, "Token refreshed")
	assert.NotNil(t, logger.Redactor())
}

func TestNew_RotatingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "otaku.log")

	logger, err := New(Config{Level: "info", File: logFile, MaxSize: 1, MaxAge: 7})
	require.NoError(t, err)

	_, ok := logger.file.(*RotatingWriter)
	assert.True(t, ok)

	logger.Info().Msg("rotating")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "rotating")
}
