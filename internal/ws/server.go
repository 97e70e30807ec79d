// Package ws exposes the relay protocol to browser-side downstream clients
// over WebSocket. Each connection carries the same JSON envelopes as the TCP
// listener, one envelope per text frame.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultEndpoint is the HTTP path that accepts WebSocket upgrades.
const DefaultEndpoint = "/ws"

// ServerParams configures the WebSocket listener.
type ServerParams struct {
	ListenAddr string
	Endpoint   string
	Logger     *zap.Logger
}

// Server upgrades HTTP requests and hands the resulting streams to the
// relay, which takes ownership of each connection.
type Server struct {
	params   ServerParams
	upgrader websocket.Upgrader
	log      *zap.Logger
	handle   func(conn net.Conn)

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a WebSocket listener that passes each accepted
// connection to handle.
func NewServer(params ServerParams, handle func(conn net.Conn)) *Server {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Endpoint == "" {
		params.Endpoint = DefaultEndpoint
	}

	return &Server{
		params: params,
		upgrader: websocket.Upgrader{
			// Local tooling endpoint; browser pages connect from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    logger.With(zap.String("component", "ws")),
		handle: handle,
	}
}

// Start binds the listener and begins serving in the background.
// A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.params.Endpoint, s.onRequest)

	listener, err := net.Listen("tcp", s.params.ListenAddr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}
	s.log.Info("Listening for WebSocket clients",
		zap.String("addr", listener.Addr().String()),
		zap.String("endpoint", s.params.Endpoint))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("WebSocket server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) onRequest(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.log.Debug("WebSocket client connected", zap.String("remote", c.RemoteAddr().String()))
	s.handle(newWSConn(c))
}
