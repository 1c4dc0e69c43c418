package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/otaku/pkg/agent"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const scriptedAnswer = "Frieren airs on Fridays."

// scriptedProvider sends the router to Summarize and answers the summarizer
type scriptedProvider struct{}

func (scriptedProvider) Provider() string { return "scripted" }

func (scriptedProvider) Call(_ context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	for _, tool := range req.Tools {
		if tool.Name == agent.SelectDestinationTool {
			return &agent.LLMResponse{Content: agent.SummarizeWord}, nil
		}
	}
	return &agent.LLMResponse{Content: scriptedAnswer}, nil
}

type scriptedFactory struct{}

func (scriptedFactory) NewProvider(agent.AuthProfile) (agent.LLMProvider, error) {
	return scriptedProvider{}, nil
}

// writeConfig writes a config file rooted in a temp data dir and returns
// its path
func writeConfig(t *testing.T, overrides map[string]interface{}) (string, string) {
	t.Helper()
	dataDir := t.TempDir()
	raw := map[string]interface{}{
		"data_dir": dataDir,
		"llm": map[string]interface{}{
			"profiles": []map[string]interface{}{
				{"id": "test", "provider": "openai", "api_key": "sk-test-key", "priority": 1},
			},
		},
		"logging": map[string]interface{}{"level": "error"},
	}
	for k, v := range overrides {
		raw[k] = v
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	path := filepath.Join(dataDir, "otaku.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, dataDir
}

// execute runs the root command with fresh flag state and returns stdout
// and stderr
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cfgFile, logLevel = "", ""
	askStream, askJSON, askTimeout = false, false, 0
	transcriptLimit, stopTimeout = 20, 30

	prev := stackOptions
	stackOptions.ProviderFactory = scriptedFactory{}
	t.Cleanup(func() { stackOptions = prev })

	cmd := GetRootCmd()
	resetBoolFlags(cmd)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// resetBoolFlags clears --help and --version left set by an earlier run
func resetBoolFlags(cmd *cobra.Command) {
	for _, name := range []string{"help", "version"} {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
	}
	for _, c := range cmd.Commands() {
		resetBoolFlags(c)
	}
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}
