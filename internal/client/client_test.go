package client

import (
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/protocol"
)

// fakeDaemon is a minimal relay server for exercising the client handshake
// and command path without a real daemon.
type fakeDaemon struct {
	listener net.Listener

	mu     sync.Mutex
	writer *protocol.Writer

	commands    chan *protocol.TaskCommandPayload
	disconnects chan string

	// ackWithError makes the handshake answer with an error envelope
	// instead of an Ack.
	ackWithError bool
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fd := &fakeDaemon{
		listener:    listener,
		commands:    make(chan *protocol.TaskCommandPayload, 8),
		disconnects: make(chan string, 8),
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go fd.serve(conn)
		}
	}()
	return fd
}

func (f *fakeDaemon) addr() string {
	return f.listener.Addr().String()
}

func (f *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	f.mu.Lock()
	f.writer = writer
	f.mu.Unlock()

	reader := protocol.NewReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			if protocol.IsParseError(err) {
				continue
			}
			return
		}

		switch env.Type {
		case protocol.TypeConnect:
			if f.ackWithError {
				writer.Write(protocol.NewErrorEnvelope(env.ClientID, "no capacity"))
				continue
			}
			clientID := env.ClientID
			if clientID == "" {
				clientID = "assigned-1"
			}
			ack, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.OriginServer, clientID,
				protocol.AckPayload{ClientID: clientID, PID: os.Getpid(), PPID: os.Getppid()})
			writer.Write(ack)

		case protocol.TypePing:
			writer.Write(&protocol.Envelope{Type: protocol.TypePong, Origin: protocol.OriginServer})

		case protocol.TypeTaskCommand:
			if cmd, err := env.TaskCommand(); err == nil {
				f.commands <- cmd
			}

		case protocol.TypeDisconnect:
			f.disconnects <- env.ClientID
			return
		}
	}
}

// sendRaw writes one raw line to the current connection.
func (f *fakeDaemon) sendRaw(t *testing.T, line string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.writer)
	env, err := protocol.Parse([]byte(line))
	require.NoError(t, err)
	require.NoError(t, f.writer.Write(env))
}

func TestClient_ConnectHandshake(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithClientID("cli-1"), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())
	defer c.Close()

	assert.Equal(t, "cli-1", c.ClientID())
	assert.Equal(t, os.Getpid(), c.ServerPID())
}

func TestClient_ConnectAdoptsAssignedID(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithClientID(""), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())
	defer c.Close()

	assert.Equal(t, "assigned-1", c.ClientID())
}

func TestClient_ConnectRefused(t *testing.T) {
	// Grab a port and close it so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	c := New(WithAddress(addr), WithTimeout(time.Second))
	require.Error(t, c.Connect())
}

func TestClient_HandshakeRejected(t *testing.T) {
	fd := startFakeDaemon(t)
	fd.ackWithError = true

	c := New(WithAddress(fd.addr()), WithTimeout(2*time.Second))
	err := c.Connect()
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New()
	err := c.SendTaskCommand(protocol.CommandStartNewTask, protocol.TaskCommandData{Text: "x"})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Recv()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SendTaskCommand(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithClientID("cli-1"), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())
	defer c.Close()

	data := protocol.TaskCommandData{
		Text:   "build the thing",
		NewTab: true,
		Configuration: protocol.TaskConfiguration{
			"workingDirectory": "/tmp/project",
		},
	}
	require.NoError(t, c.SendTaskCommand(protocol.CommandStartNewTask, data))

	select {
	case cmd := <-fd.commands:
		assert.Equal(t, protocol.CommandStartNewTask, cmd.CommandName)
		assert.Equal(t, "build the thing", cmd.Data.Text)
		assert.True(t, cmd.Data.NewTab)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never received the command")
	}
}

func TestClient_PingPong(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())
	defer c.Close()

	require.NoError(t, c.Ping())
	env, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestClient_RecvDeliversEvents(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())
	defer c.Close()

	payload, err := json.Marshal(protocol.TaskEventPayload{
		EventName: protocol.EventTaskStarted,
		Payload:   []json.RawMessage{json.RawMessage(`"t-1"`)},
	})
	require.NoError(t, err)
	fd.sendRaw(t, `{"type":"TaskEvent","origin":"server","data":`+string(payload)+`}`)

	env, err := c.Recv()
	require.NoError(t, err)
	event, err := env.TaskEvent()
	require.NoError(t, err)
	assert.Equal(t, protocol.EventTaskStarted, event.EventName)
}

func TestClient_CloseSendsDisconnect(t *testing.T) {
	fd := startFakeDaemon(t)

	c := New(WithAddress(fd.addr()), WithClientID("cli-1"), WithTimeout(2*time.Second))
	require.NoError(t, c.Connect())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	select {
	case id := <-fd.disconnects:
		assert.Equal(t, "cli-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never saw the disconnect")
	}

	err := c.SendTaskCommand(protocol.CommandStartNewTask, protocol.TaskCommandData{})
	require.ErrorIs(t, err, ErrNotConnected)
}
