// Package daemon implements the taskbridge relay server: it accepts
// downstream client connections, runs the per-connection protocol state
// machine, and relays task commands and events between those clients and
// the single upstream extension link.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskbridge/internal/protocol"
	"taskbridge/internal/ws"
)

// DefaultListenAddr is the default downstream TCP endpoint.
const DefaultListenAddr = "localhost:7777"

// UpstreamLink is the single logical connection to the upstream peer. The
// daemon owns its lifecycle: Run is started with the daemon and stops with
// the daemon's context.
type UpstreamLink interface {
	// Run maintains the connection until ctx is cancelled.
	Run(ctx context.Context)
	// SendCommand forwards a command envelope. It fails immediately when
	// the link is not ready; commands are never queued.
	SendCommand(env *protocol.Envelope) error
	// OnEvent registers the callback for inbound upstream envelopes.
	// Events are delivered in arrival order.
	OnEvent(fn func(env *protocol.Envelope))
}

// Config holds daemon configuration.
type Config struct {
	// ListenAddr is the downstream TCP host:port.
	ListenAddr string

	// WSListenAddr enables the WebSocket downstream listener when non-empty.
	WSListenAddr string

	// UnixSocketPath enables a Unix-socket downstream listener when non-empty.
	UnixSocketPath string

	// MaxClients limits concurrent downstream connections (0 = unlimited).
	MaxClients int

	// WriteTimeout bounds a single envelope write (0 = no timeout).
	WriteTimeout time.Duration

	// Cooldown windows for repeated textual notifications.
	NotificationCooldown time.Duration
	QuestionCooldown     time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		MaxClients:           100,
		WriteTimeout:         30 * time.Second,
		NotificationCooldown: NotificationCooldown,
		QuestionCooldown:     QuestionCooldown,
	}
}

// Daemon is the relay server process state.
type Daemon struct {
	config Config
	log    *zap.Logger

	registry *Registry
	dedup    *DedupCache
	upstream UpstreamLink

	listener net.Listener
	socket   *SocketManager
	wsServer *ws.Server

	// All open connections, identified or not, for shutdown.
	conns       sync.Map // connID -> *Connection
	clientCount atomic.Int64
	nextID      atomic.Int64

	disconnectMu sync.Mutex
	onDisconnect []func(clientID string)

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    time.Time
	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a daemon bound to the given upstream link. The link is not
// started until Start.
func New(config Config, link UpstreamLink) *Daemon {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.NotificationCooldown == 0 {
		config.NotificationCooldown = NotificationCooldown
	}
	if config.QuestionCooldown == 0 {
		config.QuestionCooldown = QuestionCooldown
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:   config,
		log:      logger.With(zap.String("component", "daemon")),
		registry: NewRegistry(logger),
		dedup:    NewDedupCache(),
		upstream: link,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry exposes the connection registry for diagnostics.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// OnClientDisconnect registers an observer for downstream disconnects.
// This is an internal notification, not rebroadcast to peers.
func (d *Daemon) OnClientDisconnect(fn func(clientID string)) {
	d.disconnectMu.Lock()
	defer d.disconnectMu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

func (d *Daemon) notifyDisconnect(clientID string) {
	if clientID == "" {
		return // never identified
	}
	d.log.Info("Client disconnected", zap.String("clientId", clientID))

	d.disconnectMu.Lock()
	handlers := make([]func(string), len(d.onDisconnect))
	copy(handlers, d.onDisconnect)
	d.disconnectMu.Unlock()

	for _, fn := range handlers {
		fn(clientID)
	}
}

// Start binds the downstream listeners and starts the upstream link.
// A bind failure is fatal and reported, never retried.
func (d *Daemon) Start() error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return errors.New("daemon already shutdown")
	}
	d.shutdownMu.Unlock()

	listener, err := net.Listen("tcp", d.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.ListenAddr, err)
	}
	d.listener = listener
	d.started = time.Now()
	d.log.Info("Listening for downstream clients", zap.String("addr", listener.Addr().String()))

	if d.config.UnixSocketPath != "" {
		d.socket = NewSocketManager(SocketConfig{
			Path:   d.config.UnixSocketPath,
			Logger: d.config.Logger,
		})
		unixListener, err := d.socket.Listen()
		if err != nil {
			listener.Close()
			return err
		}
		d.log.Info("Listening on downstream socket", zap.String("path", d.socket.Path()))
		d.wg.Add(1)
		go d.acceptLoop(unixListener)
	}

	if d.config.WSListenAddr != "" {
		d.wsServer = ws.NewServer(ws.ServerParams{
			ListenAddr: d.config.WSListenAddr,
			Logger:     d.config.Logger,
		}, d.ServeConn)
		if err := d.wsServer.Start(d.ctx); err != nil {
			listener.Close()
			if d.socket != nil {
				d.socket.Close()
			}
			return fmt.Errorf("failed to start WebSocket listener: %w", err)
		}
	}

	d.upstream.OnEvent(d.handleUpstreamEvent)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.upstream.Run(d.ctx)
	}()

	d.wg.Add(1)
	go d.acceptLoop(listener)

	return nil
}

// Addr returns the bound downstream TCP address. Valid after Start.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// acceptLoop accepts downstream connections on one listener.
func (d *Daemon) acceptLoop(listener net.Listener) {
	defer d.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				d.log.Warn("Accept error", zap.Error(err))
				continue
			}
		}
		d.serve(conn)
	}
}

// ServeConn runs the relay protocol over an already-established transport
// stream. Used by the WebSocket listener; TCP connections arrive through
// the accept loop.
func (d *Daemon) ServeConn(conn net.Conn) {
	d.serve(conn)
}

func (d *Daemon) serve(conn net.Conn) {
	if d.config.MaxClients > 0 && d.clientCount.Load() >= int64(d.config.MaxClients) {
		d.log.Warn("Max clients reached, rejecting connection",
			zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	connID := d.nextID.Add(1)
	c := newConnection(connID, conn, d)

	d.conns.Store(connID, c)
	d.clientCount.Add(1)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.conns.Delete(connID)
			d.clientCount.Add(-1)
		}()
		c.Handle(d.ctx)
	}()
}

// handleUpstreamEvent gates and relays one upstream envelope to all
// registered downstream connections. Free-text events pass through the
// dedup cache; structural task events are always forwarded.
func (d *Daemon) handleUpstreamEvent(env *protocol.Envelope) {
	if env.Type != protocol.TypeTaskEvent {
		d.log.Debug("Ignoring non-event upstream envelope", zap.String("type", string(env.Type)))
		return
	}

	event, err := env.TaskEvent()
	if err != nil {
		d.log.Warn("Dropping invalid upstream TaskEvent", zap.Error(err))
		return
	}

	if !event.Structural() {
		cooldown := d.config.NotificationCooldown
		if event.EventName == protocol.EventQuestion {
			cooldown = d.config.QuestionCooldown
		}
		key := DedupKey(event.EventName, event.Text())
		if !d.dedup.ShouldEmit(key, cooldown, time.Now()) {
			d.log.Debug("Suppressed repeated notification",
				zap.String("eventName", event.EventName))
			return
		}
	}

	out := &protocol.Envelope{
		Type:   protocol.TypeTaskEvent,
		Origin: protocol.OriginServer,
		Data:   env.Data,
	}
	d.registry.Broadcast(out)
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.shutdownMu.Unlock()

	d.log.Info("Daemon stopping")
	d.cancel()

	var errs []error

	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	if d.socket != nil {
		if err := d.socket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("socket listener: %w", err))
		}
	}
	if d.wsServer != nil {
		if err := d.wsServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket listener: %w", err))
		}
	}

	d.conns.Range(func(key, value any) bool {
		value.(*Connection).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	d.log.Info("Daemon stopped")

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Wait blocks until the daemon stops.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
	d.wg.Wait()
}
