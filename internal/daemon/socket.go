package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrSocketInUse is returned by Listen when a live daemon already answers on
// the socket path.
var ErrSocketInUse = errors.New("socket already in use by a running daemon")

// SocketConfig holds Unix-socket listener configuration.
type SocketConfig struct {
	Path   string
	Mode   os.FileMode
	Logger *zap.Logger
}

// SocketManager owns the daemon's optional Unix-socket endpoint: binding,
// stale-file cleanup, and removal on shutdown.
type SocketManager struct {
	config   SocketConfig
	log      *zap.Logger
	listener net.Listener
}

// NewSocketManager creates a manager for path.
func NewSocketManager(config SocketConfig) *SocketManager {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == 0 {
		config.Mode = 0o600
	}
	return &SocketManager{
		config: config,
		log:    logger.With(zap.String("component", "socket")),
	}
}

// Path returns the socket path.
func (sm *SocketManager) Path() string {
	return sm.config.Path
}

// Listen binds the socket. A leftover socket file that no process answers on
// is removed; one that a live daemon answers on fails with ErrSocketInUse.
func (sm *SocketManager) Listen() (net.Listener, error) {
	path := sm.config.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, time.Second)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		sm.log.Warn("Removing stale socket file", zap.String("path", path))
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, sm.config.Mode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket mode: %w", err)
	}
	sm.listener = listener
	return listener, nil
}

// Close shuts the listener down and removes the socket file. Idempotent.
func (sm *SocketManager) Close() error {
	if sm.listener == nil {
		return nil
	}
	err := sm.listener.Close()
	sm.listener = nil
	os.Remove(sm.config.Path)
	return err
}
