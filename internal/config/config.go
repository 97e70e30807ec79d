// Package config loads taskbridge configuration from KDL files. The global
// file lives under the user config dir; a project-local .taskbridge.kdl
// overrides it. Command-line flags override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config file names.
const (
	GlobalConfigFile  = "config.kdl"
	ProjectConfigFile = ".taskbridge.kdl"
)

// Config is the resolved daemon configuration.
type Config struct {
	// Host and Port form the downstream TCP endpoint.
	Host string
	Port int

	// WSPort enables the WebSocket listener when non-zero.
	WSPort int

	// SocketPath is the upstream extension's Unix socket.
	SocketPath string

	// ListenSocket enables a downstream Unix-socket listener when non-empty.
	ListenSocket string

	// MaxClients limits concurrent downstream connections.
	MaxClients int

	// Dedup cooldown windows.
	NotificationCooldown time.Duration
	QuestionCooldown     time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "localhost",
		Port:                 7777,
		SocketPath:           DefaultSocketPath(),
		MaxClients:           100,
		NotificationCooldown: 3 * time.Second,
		QuestionCooldown:     5 * time.Second,
	}
}

// DefaultSocketPath returns the expected upstream socket location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "taskbridge", "extension.sock")
	}
	return filepath.Join(os.TempDir(), "taskbridge", "extension.sock")
}

// ListenAddr returns the downstream host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WSListenAddr returns the WebSocket host:port, or "" when disabled.
func (c *Config) WSListenAddr() string {
	if c.WSPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.WSPort)
}

// Load resolves configuration: defaults, then the global file, then the
// project file in dir (when dir is non-empty). Missing files are skipped.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if dir != "" {
		if err := applyFile(cfg, filepath.Join(dir, ProjectConfigFile)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func globalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "taskbridge", GlobalConfigFile)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := applyKDL(cfg, data); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
