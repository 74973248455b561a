package pushconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/stresslab/internal/protocol"
)

const (
	wsPath         = "/v1/push/ws"
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WebSocketTransport dials the hub's websocket endpoint.
type WebSocketTransport struct {
	dialer websocket.Dialer
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := websocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteTimeout))
	})
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next envelope. A message that does not parse yields a
// *FrameError and the following Read continues with the next message.
func (c *wsConn) Read(_ context.Context) (protocol.Frame, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		return protocol.Frame{}, &FrameError{Size: len(raw), Err: err}
	}
	return f, nil
}

func (c *wsConn) Write(ctx context.Context, f protocol.Frame) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func websocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "http://localhost:5000"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	return u.String(), nil
}
