// Package ws serves the caller-facing websocket endpoint of the proxy.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/schema"
	"speech-stream-proxy/internal/service/bridge"
	"speech-stream-proxy/internal/service/session"
)

const (
	writeWait = 10 * time.Second
	// Largest frame accepted from a caller. Audio slices are a few KB.
	maxMessageBytes = 1 << 20
	// Close reasons are limited to 123 bytes by the protocol.
	maxCloseReason = 123
)

// Handler upgrades GET /v1/stream and hands the connection to the bridge.
type Handler struct {
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
	pongWait time.Duration
	logger   zerolog.Logger
}

// NewHandler creates the stream endpoint. pongWait bounds how long the caller may
// stay silent, pongs included, before the connection is considered dead.
func NewHandler(b *bridge.Bridge, pongWait time.Duration) *Handler {
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	return &Handler{
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pongWait: pongWait,
		logger:   log.With().Str("component", "ws").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("session_id")
	if id == "" {
		id = session.NewID()
	}
	if err := schema.ValidateSessionID(id); err != nil {
		http.Error(w, errs.SafeMessage(err), errs.HTTPStatus(err))
		return
	}
	if h.bridge.InUse(id) {
		err := errs.E(errs.CodeConflict, "ws.ServeHTTP", "session id already in use", nil)
		http.Error(w, errs.SafeMessage(err), errs.HTTPStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug().Err(err).Str("sessionId", id).Msg("Websocket upgrade failed")
		return
	}

	in := newConn(conn, h.pongWait)
	if err := h.bridge.Serve(context.WithoutCancel(r.Context()), id, q.Get("topic"), in); err != nil {
		h.logger.Info().Err(err).Str("sessionId", id).Msg("Session ended with error")
	}
}

// conn adapts a gorilla connection to bridge.Inbound. Writes are serialized and
// the read deadline is pushed forward by every frame and pong.
type conn struct {
	ws       *websocket.Conn
	pongWait time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, pongWait time.Duration) *conn {
	c := &conn{ws: ws, pongWait: pongWait}
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	return c
}

func (c *conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err == nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	}
	return mt, data, err
}

func (c *conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		reason = truncateReason(reason, maxCloseReason)
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// truncateReason cuts s to at most limit bytes without splitting a rune.
func truncateReason(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
