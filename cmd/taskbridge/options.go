package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"taskbridge/internal/client"
	"taskbridge/internal/config"
	"taskbridge/internal/protocol"
)

// resolveConfig loads file configuration and overlays command-line flags.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cwd, _ := cmd.Root().PersistentFlags().GetString("cwd")
	dir := cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	if host, _ := cmd.Root().PersistentFlags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Root().PersistentFlags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if socket, _ := cmd.Root().PersistentFlags().GetString("socket"); socket != "" {
		cfg.SocketPath = socket
	}
	return cfg, nil
}

// workingDirectory resolves the directory recorded in task commands.
func workingDirectory(cmd *cobra.Command) string {
	if cwd, _ := cmd.Root().PersistentFlags().GetString("cwd"); cwd != "" {
		return cwd
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}

// dialDaemon connects a downstream client, translating a refused connection
// into an actionable hint.
func dialDaemon(cfg *config.Config) (*client.Client, error) {
	c := client.New(client.WithAddress(cfg.ListenAddr()))
	if err := c.Connect(); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
			return nil, fmt.Errorf("no daemon listening at %s, start it with %q: %w",
				cfg.ListenAddr(), "taskbridge daemon start", err)
		}
		return nil, err
	}
	return c, nil
}

// dialOrStartDaemon connects like dialDaemon but launches the daemon first
// when nothing is listening, unless --no-autostart is set.
func dialOrStartDaemon(cmd *cobra.Command, cfg *config.Config) (*client.Client, error) {
	c := client.New(client.WithAddress(cfg.ListenAddr()))
	err := c.Connect()
	if err == nil {
		return c, nil
	}

	refused := errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused")
	noAutostart, _ := cmd.Root().PersistentFlags().GetBool("no-autostart")
	if !refused || noAutostart {
		return dialDaemon(cfg) // reproduce the error with the actionable hint
	}

	auto := client.DefaultAutoStartConfig(cfg.ListenAddr())
	auto.DaemonArgs = []string{"daemon", "start",
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--socket", cfg.SocketPath,
	}
	return client.EnsureDaemonRunning(auto)
}

// decodeData unmarshals an envelope payload into v.
func decodeData(env *protocol.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
