package connector

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/acpconductor/conductor/internal/frame"
)

// WebSocket is a Connector for a pipeline component reached over a
// socket (a proxy or agent running as a separate network service rather
// than a local subprocess). Grounded on the teacher's mcp.Run dial loop
// and mcpbridge.session read/write/ping loops.
type WebSocket struct {
	url  string
	conn *ws.Conn

	recv chan frame.Frame
	errc chan error

	mu     sync.Mutex
	closed bool
}

// NewWebSocket constructs a WebSocket connector that will dial url.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url, recv: make(chan frame.Frame, 64), errc: make(chan error, 1)}
}

// Connect dials the peer and begins pumping inbound frames.
func (c *WebSocket) Connect(ctx context.Context) (<-chan frame.Frame, <-chan error, error) {
	conn, _, err := ws.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, nil, err
	}
	c.conn = conn
	go c.readLoop(ctx)
	go c.pingLoop(ctx)
	return c.recv, c.errc, nil
}

func (c *WebSocket) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case c.errc <- err:
			default:
			}
			close(c.recv)
			return
		}
		f, err := frame.Decode(data)
		if err != nil {
			select {
			case c.errc <- err:
			default:
			}
			close(c.recv)
			return
		}
		c.recv <- f
	}
}

func (c *WebSocket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.conn.Ping(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Send writes f as a single WebSocket text message.
func (c *WebSocket) Send(f frame.Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, b)
}

// Close closes the underlying socket.
func (c *WebSocket) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(ws.StatusNormalClosure, "shutdown")
}
