package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskbridge/internal/protocol"
)

// connState tracks the per-connection protocol state.
type connState int

const (
	// stateConnected: transport accepted, no identity yet.
	stateConnected connState = iota
	// stateActive: identified and registered, envelopes are routed by type.
	stateActive
	// stateClosed: terminal.
	stateClosed
)

// Connection is one downstream transport stream owned by the relay server.
type Connection struct {
	id     int64
	conn   net.Conn
	daemon *Daemon
	log    *zap.Logger

	reader *protocol.Reader
	writer *protocol.Writer

	mu           sync.Mutex // guards state, clientID, closed, lastActivity
	state        connState
	clientID     string
	closed       bool
	lastActivity time.Time
}

func newConnection(id int64, conn net.Conn, d *Daemon) *Connection {
	return &Connection{
		id:     id,
		conn:   conn,
		daemon: d,
		log: d.log.With(
			zap.Int64("connId", id),
			zap.String("remote", conn.RemoteAddr().String()),
		),
		reader:       protocol.NewReader(conn),
		writer:       protocol.NewWriter(conn),
		state:        stateConnected,
		lastActivity: time.Now(),
	}
}

// Send delivers one envelope to this connection. Implements Sender.
func (c *Connection) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.mu.Unlock()

	if c.daemon.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.daemon.config.WriteTimeout))
	}
	return c.writer.Write(env)
}

// Close closes the underlying transport. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.state = stateClosed
	return c.conn.Close()
}

// ClientID returns the registered client ID, or "" before identification.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Handle runs the read loop until disconnect. Malformed envelopes are logged
// and dropped without closing the connection; handler panics are isolated
// per message so a bad payload cannot take down the relay loop.
func (c *Connection) Handle(ctx context.Context) {
	defer func() {
		c.Close()
		c.daemon.registry.Unregister(c)
		c.daemon.notifyDisconnect(c.ClientID())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := c.reader.Next()
		if err != nil {
			if protocol.IsParseError(err) {
				c.log.Warn("Dropping malformed envelope", zap.Error(err))
				continue
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("Connection read failed", zap.Error(err))
			}
			return
		}

		c.touch()
		c.dispatch(env)
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// dispatch routes one envelope, recovering from handler panics.
func (c *Connection) dispatch(env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Envelope handler panic", zap.Any("panic", r),
				zap.String("type", string(env.Type)))
		}
	}()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateConnected:
		c.handleIdentification(env)
	case stateActive:
		c.handleActive(env)
	}
}

// handleIdentification processes the first envelope on a fresh connection.
// Any valid client-origin envelope identifies the connection; the server
// answers with an Ack carrying process metadata and the bound client ID.
func (c *Connection) handleIdentification(env *protocol.Envelope) {
	if env.Origin != protocol.OriginClient {
		c.log.Warn("Dropping non-client envelope before identification",
			zap.String("type", string(env.Type)))
		return
	}

	clientID := env.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c.mu.Lock()
	c.clientID = clientID
	c.state = stateActive
	c.mu.Unlock()

	// First registration wins; a duplicate keeps the original binding but
	// the Ack is still sent so the peer is not left waiting.
	if !c.daemon.registry.Register(clientID, c) {
		c.log.Warn("Client ID already registered, keeping original binding",
			zap.String("clientId", clientID))
	}

	if err := c.sendAck(clientID); err != nil {
		c.log.Warn("Failed to send Ack", zap.Error(err))
		return
	}

	// An envelope that both identifies and carries work is routed too.
	if env.Type != protocol.TypeConnect {
		c.handleActive(env)
	}
}

func (c *Connection) sendAck(clientID string) error {
	ack, err := protocol.NewEnvelope(protocol.TypeAck, protocol.OriginServer, clientID, protocol.AckPayload{
		ClientID: clientID,
		PID:      os.Getpid(),
		PPID:     os.Getppid(),
	})
	if err != nil {
		return err
	}
	return c.Send(ack)
}

// handleActive routes envelopes from an identified connection.
func (c *Connection) handleActive(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		pong := &protocol.Envelope{Type: protocol.TypePong, Origin: protocol.OriginServer}
		if err := c.Send(pong); err != nil {
			c.log.Debug("Failed to send pong", zap.Error(err))
		}

	case protocol.TypeConnect:
		// Re-identification is a no-op on the binding; acknowledge again.
		if err := c.sendAck(c.ClientID()); err != nil {
			c.log.Debug("Failed to re-send Ack", zap.Error(err))
		}

	case protocol.TypeDisconnect:
		c.log.Info("Client requested disconnect", zap.String("clientId", c.ClientID()))
		c.Close()

	case protocol.TypeTaskCommand:
		c.handleTaskCommand(env)

	case protocol.TypeCustom:
		c.handleCustom(env)

	default:
		c.log.Warn("Dropping unroutable envelope", zap.String("type", string(env.Type)))
	}
}

// handleTaskCommand validates the command payload and forwards it to the
// upstream bridge, tagged with the originating client ID. A rejected command
// is answered with an explicit error envelope, never queued.
func (c *Connection) handleTaskCommand(env *protocol.Envelope) {
	cmd, err := env.TaskCommand()
	if err != nil {
		c.log.Warn("Dropping invalid TaskCommand", zap.Error(err))
		return
	}

	forward := &protocol.Envelope{
		Type:     protocol.TypeTaskCommand,
		Origin:   protocol.OriginClient,
		ClientID: c.ClientID(),
		Data:     env.Data,
	}
	if err := c.daemon.upstream.SendCommand(forward); err != nil {
		c.log.Warn("Upstream command rejected",
			zap.String("commandName", cmd.CommandName), zap.Error(err))
		resp := protocol.NewErrorEnvelope(c.ClientID(), "not connected to extension")
		if sendErr := c.Send(resp); sendErr != nil {
			c.log.Debug("Failed to send error response", zap.Error(sendErr))
		}
		return
	}

	c.log.Debug("Forwarded task command",
		zap.String("commandName", cmd.CommandName),
		zap.String("clientId", c.ClientID()))
}

func (c *Connection) handleCustom(env *protocol.Envelope) {
	p, err := env.Custom()
	if err != nil {
		c.log.Warn("Dropping invalid custom envelope", zap.Error(err))
		return
	}

	switch p.Name {
	case protocol.CustomShutdown:
		c.log.Info("Shutdown requested", zap.String("clientId", c.ClientID()))
		pong := &protocol.Envelope{Type: protocol.TypePong, Origin: protocol.OriginServer}
		_ = c.Send(pong)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.daemon.Stop(ctx)
		}()
	default:
		c.log.Warn("Unknown custom action", zap.String("name", p.Name))
	}
}
