package upstream

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/protocol"
)

// fakeExtension plays the upstream peer: it accepts Unix-socket connections,
// answers the identification handshake, and records forwarded commands.
type fakeExtension struct {
	t        *testing.T
	listener net.Listener

	mu     sync.Mutex
	writer *protocol.Writer

	received chan *protocol.Envelope
	accepted chan struct{}
}

func startFakeExtension(t *testing.T, socketPath string) *fakeExtension {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ext := &fakeExtension{
		t:        t,
		listener: listener,
		received: make(chan *protocol.Envelope, 16),
		accepted: make(chan struct{}, 4),
	}
	t.Cleanup(func() { listener.Close() })

	go ext.acceptLoop()
	return ext
}

func (f *fakeExtension) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.accepted <- struct{}{}
		go f.serve(conn)
	}
}

func (f *fakeExtension) serve(conn net.Conn) {
	defer conn.Close()

	writer := protocol.NewWriter(conn)
	f.mu.Lock()
	f.writer = writer
	f.mu.Unlock()

	reader := protocol.NewReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			return
		}
		if env.Type == protocol.TypeConnect {
			ack, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.OriginServer, "ext-1",
				protocol.AckPayload{ClientID: "ext-1", PID: os.Getpid(), PPID: os.Getppid()})
			writer.Write(ack)
			continue
		}
		f.received <- env
	}
}

// emit pushes one event envelope down the current connection.
func (f *fakeExtension) emit(t *testing.T, eventName string, args ...json.RawMessage) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeTaskEvent, protocol.OriginServer, "",
		protocol.TaskEventPayload{EventName: eventName, Payload: args})
	require.NoError(t, err)

	f.mu.Lock()
	writer := f.writer
	f.mu.Unlock()
	require.NotNil(t, writer, "no active connection")
	require.NoError(t, writer.Write(env))
}

func testConfig(socketPath string) Config {
	return Config{
		SocketPath:    socketPath,
		RetryInterval: 20 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		DialTimeout:   time.Second,
	}
}

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})
}

func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == StateReady },
		2*time.Second, 5*time.Millisecond, "bridge never reached ready")
}

func TestBridge_HandshakeReachesReady(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ext.sock")
	startFakeExtension(t, socketPath)

	b := New(testConfig(socketPath))
	startBridge(t, b)

	waitReady(t, b)
	assert.Equal(t, "ext-1", b.ClientID())
}

func TestBridge_SendCommandBeforeReady(t *testing.T) {
	b := New(testConfig(filepath.Join(t.TempDir(), "never.sock")))

	env, err := protocol.NewEnvelope(protocol.TypeTaskCommand, protocol.OriginClient, "c1",
		protocol.TaskCommandPayload{CommandName: protocol.CommandStartNewTask})
	require.NoError(t, err)

	require.ErrorIs(t, b.SendCommand(env), ErrNotReady)
}

func TestBridge_SendCommandForwardsWhenReady(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ext.sock")
	ext := startFakeExtension(t, socketPath)

	b := New(testConfig(socketPath))
	startBridge(t, b)
	waitReady(t, b)

	env, err := protocol.NewEnvelope(protocol.TypeTaskCommand, protocol.OriginClient, "c1",
		protocol.TaskCommandPayload{
			CommandName: protocol.CommandStartNewTask,
			Data:        protocol.TaskCommandData{Text: "hello"},
		})
	require.NoError(t, err)
	require.NoError(t, b.SendCommand(env))

	select {
	case got := <-ext.received:
		assert.Equal(t, protocol.TypeTaskCommand, got.Type)
		assert.Equal(t, "c1", got.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("extension never received the command")
	}
}

func TestBridge_EventsDeliveredInOrder(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ext.sock")
	ext := startFakeExtension(t, socketPath)

	b := New(testConfig(socketPath))

	var mu sync.Mutex
	var names []string
	b.OnEvent(func(env *protocol.Envelope) {
		event, err := env.TaskEvent()
		if err != nil {
			return
		}
		mu.Lock()
		names = append(names, event.EventName)
		mu.Unlock()
	})

	startBridge(t, b)
	waitReady(t, b)

	ext.emit(t, protocol.EventTaskStarted, json.RawMessage(`"t-1"`))
	ext.emit(t, protocol.EventMessage, json.RawMessage(`"working"`))
	ext.emit(t, protocol.EventTaskCompleted, json.RawMessage(`"t-1"`))

	want := []string{protocol.EventTaskStarted, protocol.EventMessage, protocol.EventTaskCompleted}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, names)
}

func TestBridge_WaitsForSocketToAppear(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "late.sock")

	b := New(testConfig(socketPath))
	startBridge(t, b)

	// The socket does not exist yet; the bridge polls instead of failing.
	time.Sleep(60 * time.Millisecond)
	require.NotEqual(t, StateReady, b.State())

	startFakeExtension(t, socketPath)
	waitReady(t, b)
}

func TestBridge_ReconnectsAfterDrop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ext.sock")
	ext := startFakeExtension(t, socketPath)

	b := New(testConfig(socketPath))
	startBridge(t, b)
	waitReady(t, b)
	<-ext.accepted

	// Drop the transport from the extension side.
	ext.mu.Lock()
	ext.writer = nil
	ext.mu.Unlock()
	dropCurrentConn(t, b)

	require.Eventually(t, func() bool { return b.State() != StateReady },
		2*time.Second, time.Millisecond, "bridge never noticed the drop")
	require.Eventually(t, func() bool { return b.State() == StateReady },
		2*time.Second, 5*time.Millisecond, "bridge never reconnected")

	select {
	case <-ext.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("extension never saw a second connection")
	}
	assert.GreaterOrEqual(t, b.attempts.Load(), int64(2))
}

// dropCurrentConn closes the bridge's live transport to simulate a network
// failure from underneath it.
func dropCurrentConn(t *testing.T, b *Bridge) {
	t.Helper()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReady, "ready"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
