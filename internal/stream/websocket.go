package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second
	// Maximum message size accepted from the backend.
	maxMessageSize = 32 * 1024 * 1024
)

// WebSocketTransport reads text frames from a WebSocket endpoint.
type WebSocketTransport struct {
	URL    string
	Header http.Header
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Pings are sent at 90% of it. Zero disables pings.
	PongWait time.Duration
	// Label distinguishes graph and log channels in logs.
	Label string
}

func (t *WebSocketTransport) Name() string {
	if t.Label != "" {
		return "websocket:" + t.Label
	}
	return "websocket"
}

// Dial performs the handshake and starts the keepalive pinger.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	wc := &wsConn{conn: conn, stop: make(chan struct{})}
	if t.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.PongWait))
		})
		go wc.pingLoop((t.PongWait * 9) / 10)
	}
	return wc, nil
}

type wsConn struct {
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// WriteControl may be called concurrently with the reader.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ReadMessage returns the next text or binary frame. A normal close from the
// peer is reported as io.EOF.
func (c *wsConn) ReadMessage(ctx context.Context) (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("websocket read failed: %w", err)
	}
	return Message{Data: data}, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
