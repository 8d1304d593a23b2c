package peer

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfabric/agent-fabric/internal/wire"
)

// frameConn is a full-duplex ordered frame transport. Both the raw TCP
// framing and the WebSocket carrier yield the same interface, so the session
// layer never forks on transport.
type frameConn interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(f wire.Frame) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// dialEndpoint opens a transport to a peer endpoint. Supported schemes:
// tcp://host:port (default when no scheme is given) and ws://host/path.
func dialEndpoint(endpoint string, timeout time.Duration) (frameConn, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return dialWS(endpoint, timeout)
	}
	hostport := strings.TrimPrefix(endpoint, "tcp://")
	if strings.Contains(hostport, "://") {
		return nil, fmt.Errorf("peer: unsupported endpoint scheme in %q", endpoint)
	}
	conn, err := net.DialTimeout("tcp", hostport, timeout)
	if err != nil {
		return nil, err
	}
	return newTCPConn(conn), nil
}

// ── TCP ───────────────────────────────────────────────────────────────────────

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		w:    bufio.NewWriterSize(conn, 64*1024),
	}
}

func (c *tcpConn) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.r)
}

func (c *tcpConn) WriteFrame(f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteFrame(c.w, f); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) Close() error                      { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }

// ── WebSocket ─────────────────────────────────────────────────────────────────

// wsConn carries one complete encoded frame per binary message.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func dialWS(endpoint string, timeout time.Duration) (frameConn, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("peer: endpoint %q: %w", endpoint, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// UpgradeWS turns an incoming HTTP request into a peer transport. Mounted by
// the admin server so WebSocket peers can connect without a second listener.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (frameConn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		// Peer auth happens in the Hello frame, not at the HTTP layer.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("peer: non-binary websocket message")
	}
	return wire.ReadFrame(bytes.NewReader(data))
}

func (c *wsConn) WriteFrame(f wire.Frame) error {
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) Close() error                      { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
