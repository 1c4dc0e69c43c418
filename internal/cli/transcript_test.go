package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptCommand(t *testing.T) {
	t.Run("missing database", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		_, _, err := execute(t, "transcript", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no transcripts")
	})

	t.Run("lists and shows a recorded run", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		out, _, err := execute(t, "ask", "--config", cfgPath, "--json", "When does Frieren air?")
		require.NoError(t, err)
		var asked askOutput
		require.NoError(t, json.Unmarshal([]byte(out), &asked))

		out, _, err = execute(t, "transcript", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, asked.RunID)
		assert.Contains(t, out, "completed")
		assert.Contains(t, out, "When does Frieren air?")

		out, _, err = execute(t, "transcript", "--config", cfgPath, asked.RunID)
		require.NoError(t, err)
		assert.Contains(t, out, "Run:    "+asked.RunID)
		assert.Contains(t, out, "Status: completed (2 steps)")
		assert.Contains(t, out, "Shared history:")
		assert.Contains(t, out, scriptedAnswer)
		assert.NotContains(t, out, "Scratchpad #")
	})

	t.Run("unknown run", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)
		_, _, err := execute(t, "ask", "--config", cfgPath, "hello")
		require.NoError(t, err)

		_, _, err = execute(t, "transcript", "--config", cfgPath, "missing-run")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "not found"))
	})
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine(" a\n b\t\tc ", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}
