// Package upstream maintains the single client-role connection to the
// extension's Unix-socket endpoint and translates between its event stream
// and the relay server.
package upstream

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskbridge/internal/protocol"
)

// ErrNotReady is returned by SendCommand whenever the link has not completed
// the identification handshake. Commands are never queued.
var ErrNotReady = errors.New("upstream link not ready")

// State is the upstream link state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Config holds bridge configuration.
type Config struct {
	// SocketPath is the upstream peer's Unix-socket path.
	SocketPath string

	// RetryInterval between reconnect attempts after a failure.
	RetryInterval time.Duration

	// PollInterval between checks for a socket path that does not exist yet.
	PollInterval time.Duration

	// DialTimeout for one connection attempt.
	DialTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the observed production intervals.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:    socketPath,
		RetryInterval: 1500 * time.Millisecond,
		PollInterval:  2 * time.Second,
		DialTimeout:   5 * time.Second,
	}
}

// Bridge is the single process-wide upstream link.
type Bridge struct {
	config Config
	log    *zap.Logger

	state    atomic.Int32
	attempts atomic.Int64

	mu       sync.Mutex // guards conn, writer, clientID
	conn     net.Conn
	writer   *protocol.Writer
	clientID string

	handlerMu sync.Mutex
	handler   func(env *protocol.Envelope)
}

// New creates a bridge. Run must be called to start connecting.
func New(config Config) *Bridge {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1500 * time.Millisecond
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	return &Bridge{
		config: config,
		log:    logger.With(zap.String("component", "upstream")),
	}
}

// OnEvent registers the callback for inbound upstream envelopes. The bridge
// invokes it from a single goroutine in transport arrival order. Must be set
// before Run.
func (b *Bridge) OnEvent(fn func(env *protocol.Envelope)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = fn
}

// State returns the current link state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// ClientID returns the upstream-assigned client ID, or "" before Ready.
func (b *Bridge) ClientID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clientID
}

func (b *Bridge) setState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old != s {
		b.log.Info("Upstream state changed",
			zap.String("from", old.String()), zap.String("to", s.String()))
	}
}

// SendCommand forwards a command envelope to the upstream peer. Valid only
// in the Ready state; otherwise it fails with ErrNotReady so the caller can
// surface the failure instead of queuing.
func (b *Bridge) SendCommand(env *protocol.Envelope) error {
	if b.State() != StateReady {
		return ErrNotReady
	}

	b.mu.Lock()
	writer := b.writer
	b.mu.Unlock()
	if writer == nil {
		return ErrNotReady
	}

	if err := writer.Write(env); err != nil {
		b.log.Warn("Upstream write failed", zap.Error(err))
		b.teardown()
		return err
	}
	return nil
}

// Run maintains the upstream connection until ctx is cancelled. A missing
// socket path is polled until it appears; connection and transport failures
// schedule a reconnect on a fixed interval with unbounded retries.
func (b *Bridge) Run(ctx context.Context) {
	defer b.teardown()

	for {
		if !b.waitForSocket(ctx) {
			return
		}

		b.setState(StateConnecting)
		attempt := b.attempts.Add(1)

		conn, err := b.dial(ctx)
		if err != nil {
			b.setState(StateDisconnected)
			b.log.Warn("Upstream connect failed",
				zap.Int64("attempt", attempt), zap.Error(err))
			if !sleep(ctx, b.config.RetryInterval) {
				return
			}
			continue
		}

		b.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sleep(ctx, b.config.RetryInterval) {
			return
		}
	}
}

// waitForSocket polls until the socket path exists or ctx is cancelled.
func (b *Bridge) waitForSocket(ctx context.Context) bool {
	for {
		if _, err := os.Stat(b.config.SocketPath); err == nil {
			return true
		}
		b.log.Debug("Waiting for upstream socket", zap.String("path", b.config.SocketPath))
		if !sleep(ctx, b.config.PollInterval) {
			return false
		}
	}
}

func (b *Bridge) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: b.config.DialTimeout}
	return dialer.DialContext(ctx, "unix", b.config.SocketPath)
}

// serve runs the identification handshake and the read loop over one
// transport connection. Returns when the connection drops.
func (b *Bridge) serve(ctx context.Context, conn net.Conn) {
	defer b.teardown()

	writer := protocol.NewWriter(conn)
	b.mu.Lock()
	b.conn = conn
	b.writer = writer
	b.mu.Unlock()
	b.setState(StateConnected)

	hello := &protocol.Envelope{Type: protocol.TypeConnect, Origin: protocol.OriginClient}
	if err := writer.Write(hello); err != nil {
		b.log.Warn("Failed to send upstream hello", zap.Error(err))
		return
	}

	// Close the transport when ctx ends so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := protocol.NewReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			if protocol.IsParseError(err) {
				b.log.Warn("Dropping malformed upstream envelope", zap.Error(err))
				continue
			}
			b.log.Debug("Upstream read ended", zap.Error(err))
			return
		}
		b.handleEnvelope(env)
	}
}

func (b *Bridge) handleEnvelope(env *protocol.Envelope) {
	if env.Type == protocol.TypeAck && b.State() != StateReady {
		ack, err := env.Ack()
		if err != nil {
			b.log.Warn("Dropping invalid upstream Ack", zap.Error(err))
			return
		}
		b.mu.Lock()
		b.clientID = ack.ClientID
		b.mu.Unlock()
		b.setState(StateReady)
		b.log.Info("Upstream link ready", zap.String("clientId", ack.ClientID))
		return
	}

	b.handlerMu.Lock()
	handler := b.handler
	b.handlerMu.Unlock()
	if handler != nil {
		handler(env)
	}
}

// teardown drops the current connection and returns to Disconnected.
func (b *Bridge) teardown() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.writer = nil
	b.mu.Unlock()
	b.setState(StateDisconnected)
}

// sleep waits for d or until ctx is cancelled; returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
