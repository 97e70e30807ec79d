package client

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDaemonRunning_AlreadyRunning(t *testing.T) {
	fd := startFakeDaemon(t)

	config := DefaultAutoStartConfig(fd.addr())
	c, err := EnsureDaemonRunning(config, WithClientID("cli-1"), WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "cli-1", c.ClientID())
}

func TestEnsureDaemonRunning_SpawnFails(t *testing.T) {
	config := DefaultAutoStartConfig("127.0.0.1:1") // nothing listens here
	config.DaemonPath = "/nonexistent/taskbridge"

	_, err := EnsureDaemonRunning(config, WithTimeout(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start daemon")
}

func TestEnsureDaemonRunning_TimesOutWhenDaemonNeverListens(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on the true(1) command")
	}
	config := DefaultAutoStartConfig("127.0.0.1:1")
	// A command that exits immediately without ever listening.
	config.DaemonPath = "true"
	config.DaemonArgs = nil
	config.StartTimeout = 200 * time.Millisecond
	config.RetryInterval = 20 * time.Millisecond
	config.MaxRetries = 5

	_, err := EnsureDaemonRunning(config, WithTimeout(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
}
