package ws

import (
	"bytes"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket connection to net.Conn so the relay server can
// run its newline-delimited envelope protocol over it unchanged. Each text
// frame carries one envelope line.
type wsConn struct {
	ws  *websocket.Conn
	buf bytes.Buffer // unread remainder of the last frame
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.TextMessage {
			continue // ignore binary and control frames
		}
		c.buf.Write(data)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			c.buf.WriteByte('\n')
		}
	}
	return c.buf.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	frame := bytes.TrimRight(p, "\n")
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
