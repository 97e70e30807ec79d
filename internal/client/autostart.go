package client

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// AutoStartConfig controls daemon auto-start behavior.
type AutoStartConfig struct {
	// Addr is the daemon's host:port.
	Addr string
	// DaemonPath is the daemon executable; empty means the current binary.
	DaemonPath string
	// DaemonArgs are passed to the spawned daemon process.
	DaemonArgs []string
	// StartTimeout bounds the wait for the daemon to accept connections.
	StartTimeout time.Duration
	// RetryInterval between connection attempts while waiting.
	RetryInterval time.Duration
	// MaxRetries caps the connection attempts.
	MaxRetries int
}

// DefaultAutoStartConfig returns sensible defaults for addr.
func DefaultAutoStartConfig(addr string) AutoStartConfig {
	return AutoStartConfig{
		Addr:          addr,
		DaemonArgs:    []string{"daemon", "start"},
		StartTimeout:  5 * time.Second,
		RetryInterval: 100 * time.Millisecond,
		MaxRetries:    50,
	}
}

// EnsureDaemonRunning connects to the daemon, spawning it first when nothing
// is listening. Returns a connected client.
func EnsureDaemonRunning(config AutoStartConfig, opts ...Option) (*Client, error) {
	connect := func() (*Client, error) {
		c := New(append([]Option{WithAddress(config.Addr)}, opts...)...)
		if err := c.Connect(); err != nil {
			return nil, err
		}
		return c, nil
	}

	if c, err := connect(); err == nil {
		return c, nil
	}

	if err := spawnDaemon(config); err != nil {
		return nil, fmt.Errorf("failed to start daemon: %w", err)
	}

	deadline := time.Now().Add(config.StartTimeout)
	var lastErr error
	for i := 0; i < config.MaxRetries && time.Now().Before(deadline); i++ {
		time.Sleep(config.RetryInterval)
		c, err := connect()
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("daemon did not become ready within %s: %w", config.StartTimeout, lastErr)
}

// spawnDaemon launches the daemon detached from this process so it survives
// the CLI exiting.
func spawnDaemon(config AutoStartConfig) error {
	path := config.DaemonPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve daemon executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, config.DaemonArgs...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
