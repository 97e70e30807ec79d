// Package client implements the downstream side of the relay protocol:
// connecting to the taskbridge daemon over TCP, identifying, issuing task
// commands, and receiving relayed events.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskbridge/internal/daemon"
	"taskbridge/internal/protocol"
)

var (
	// ErrNotConnected is returned when using a client before Connect or
	// after Close.
	ErrNotConnected = errors.New("not connected to daemon")
	// ErrHandshakeFailed is returned when the daemon does not answer the
	// identification with an Ack.
	ErrHandshakeFailed = errors.New("daemon handshake failed")
)

// Client is one downstream connection to the relay daemon.
type Client struct {
	addr     string
	clientID string
	timeout  time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	closed bool

	serverPID int
}

// Option configures a Client.
type Option func(*Client)

// WithAddress sets the daemon's host:port.
func WithAddress(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithClientID sets a fixed client ID instead of a generated one.
func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

// WithTimeout sets the dial and handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New creates a client. Connect must be called before use.
func New(opts ...Option) *Client {
	c := &Client{
		addr:     daemon.DefaultListenAddr,
		clientID: uuid.NewString(),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the daemon and performs the identification handshake.
// On success the client ID is bound server-side and events can be received.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.closed {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon at %s: %w", c.addr, err)
	}

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	hello := &protocol.Envelope{
		Type:     protocol.TypeConnect,
		Origin:   protocol.OriginClient,
		ClientID: c.clientID,
	}
	if err := writer.Write(hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send identification: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	env, err := reader.Next()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if env.Type != protocol.TypeAck {
		conn.Close()
		return fmt.Errorf("%w: expected Ack, got %s", ErrHandshakeFailed, env.Type)
	}
	ack, err := env.Ack()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.conn = conn
	c.reader = reader
	c.writer = writer
	c.closed = false
	c.clientID = ack.ClientID
	c.serverPID = ack.PID
	return nil
}

// ClientID returns the daemon-confirmed client ID. Valid after Connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ServerPID returns the daemon's process ID from the Ack. Valid after Connect.
func (c *Client) ServerPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverPID
}

// SendTaskCommand sends a task command to the daemon for upstream relay.
func (c *Client) SendTaskCommand(name string, data protocol.TaskCommandData) error {
	env, err := protocol.NewEnvelope(protocol.TypeTaskCommand, protocol.OriginClient, c.ClientID(),
		protocol.TaskCommandPayload{CommandName: name, Data: data})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Ping sends a liveness probe. The pong arrives through Recv.
func (c *Client) Ping() error {
	return c.send(&protocol.Envelope{
		Type:     protocol.TypePing,
		Origin:   protocol.OriginClient,
		ClientID: c.ClientID(),
	})
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	env, err := protocol.NewEnvelope(protocol.TypeCustom, protocol.OriginClient, c.ClientID(),
		protocol.CustomPayload{Name: protocol.CustomShutdown})
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) send(env *protocol.Envelope) error {
	c.mu.Lock()
	writer := c.writer
	closed := c.closed
	c.mu.Unlock()

	if writer == nil || closed {
		return ErrNotConnected
	}
	return writer.Write(env)
}

// Recv blocks until the next envelope from the daemon arrives. Malformed
// envelopes are skipped; transport errors end the stream.
func (c *Client) Recv() (*protocol.Envelope, error) {
	c.mu.Lock()
	reader := c.reader
	closed := c.closed
	c.mu.Unlock()

	if reader == nil || closed {
		return nil, ErrNotConnected
	}

	for {
		env, err := reader.Next()
		if err != nil {
			if protocol.IsParseError(err) {
				continue
			}
			return nil, err
		}
		return env, nil
	}
}

// Close sends a Disconnect and closes the transport. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true

	goodbye := &protocol.Envelope{
		Type:     protocol.TypeDisconnect,
		Origin:   protocol.OriginClient,
		ClientID: c.clientID,
	}
	_ = c.writer.Write(goodbye)
	return c.conn.Close()
}
