package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, StackOptions{DisableTranscript: true})
	t.Cleanup(func() { _ = d.stack.Close() })

	lm := NewLifecycleManager(d)
	assert.NotNil(t, lm)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "otaku.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), StackOptions{DisableTranscript: true})
	t.Cleanup(func() { _ = d.stack.Close() })
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	_, err := os.Stat(lm.pidFile)
	assert.NoError(t, err)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	// stopping twice is harmless
	require.NoError(t, lm.Stop())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), StackOptions{DisableTranscript: true})
	t.Cleanup(func() { _ = d.stack.Close() })
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManager_ReplacesStalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, StackOptions{DisableTranscript: true})
	t.Cleanup(func() { _ = d.stack.Close() })
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not a pid"), 0o644))
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManager_RefusesLiveOwner(t *testing.T) {
	if os.Getppid() <= 1 {
		t.Skip("no live parent process to stand in for another daemon")
	}
	d := createTestDaemon(t, testConfig(t), StackOptions{DisableTranscript: true})
	t.Cleanup(func() { _ = d.stack.Close() })
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0o644))
	err := lm.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	path := filepath.Join(dir, "ok.pid")
	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0o644))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	require.NoError(t, os.WriteFile(path, []byte("-5"), 0o644))
	_, err = ReadPID(path)
	assert.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
}
