package stt

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"speech-stream-proxy/internal/errs"
)

const (
	writeTimeout = 10 * time.Second
	// DefaultPingInterval keeps idle provider connections open between utterances.
	DefaultPingInterval = 15 * time.Second
)

// WSConn wraps a provider websocket. Writes are serialized.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// DialWS opens a websocket to a provider. Handshake rejections with 401/403 map to
// CodeUnauthorized, everything else to CodeUpstreamConnect.
func DialWS(ctx context.Context, rawURL string, header http.Header, op string) (*WSConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.E(errs.CodeUnauthorized, op, "provider rejected credentials", err)
		}
		return nil, errs.E(errs.CodeUpstreamConnect, op, "could not connect to provider", err)
	}
	return &WSConn{conn: conn}, nil
}

// WriteJSON sends a JSON text frame.
func (c *WSConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// WriteBinary sends a binary frame.
func (c *WSConn) WriteBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// WriteClose sends a normal closure frame.
func (c *WSConn) WriteClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Ping sends a keepalive ping.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// ReadMessage reads the next frame. Only one goroutine may read.
func (c *WSConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close tears down the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// KeepAlive pings c every interval until ctx is done or a ping fails.
func KeepAlive(ctx context.Context, c *WSConn, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		}
	}
}

// ReadErr maps a read-loop error to the connection's close reason.
// A normal closure, or any error after we initiated the close, is graceful.
func ReadErr(err error, closing bool, op string) error {
	if err == nil || closing {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == 4001 || ce.Code == 4003 || ce.Code == websocket.ClosePolicyViolation) {
		return errs.E(errs.CodeUnauthorized, op, "provider rejected the session", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return errs.E(errs.CodeUpstreamConnect, op, "provider connection lost", err)
	}
	return errs.E(errs.CodeUpstreamConnect, op, "provider closed unexpectedly", err)
}
