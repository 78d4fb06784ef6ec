package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/session"
)

const (
	proxyWriteWait = 10 * time.Second
	// How long Close waits for the server to acknowledge session.close.
	proxyCloseWait = 2 * time.Second

	defaultPingInterval = 15 * time.Second
	defaultPongWait     = 40 * time.Second
)

// ProxyTransport connects to the bridge's /v1/stream endpoint. The same session id
// is reused on every reconnect.
type ProxyTransport struct {
	URL       string
	SessionID string
	Topic     string
	// Token is sent as a bearer token when set.
	Token  string
	Dialer *websocket.Dialer
	// PingInterval and PongWait detect a half-open connection: the read side
	// gives up when nothing, pongs included, arrives for PongWait.
	PingInterval time.Duration
	PongWait     time.Duration
}

// NewProxyTransport creates a transport for rawURL (ws:// or wss://). An empty
// sessionID is replaced by a random one.
func NewProxyTransport(rawURL, sessionID, topic string) *ProxyTransport {
	if sessionID == "" {
		sessionID = session.NewID()
	}
	return &ProxyTransport{
		URL:          rawURL,
		SessionID:    sessionID,
		Topic:        topic,
		PingInterval: defaultPingInterval,
		PongWait:     defaultPongWait,
	}
}

func (t *ProxyTransport) Dial(ctx context.Context) (Conn, error) {
	const op = "client.ProxyTransport.Dial"

	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, op, "invalid proxy url", err)
	}
	q := u.Query()
	q.Set("session_id", t.SessionID)
	if t.Topic != "" {
		q.Set("topic", t.Topic)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, errs.E(errs.CodeUnauthorized, op, "proxy rejected credentials", err)
			case http.StatusConflict:
				return nil, errs.E(errs.CodeConflict, op, "session id already in use", err)
			}
		}
		return nil, errs.E(errs.CodeUpstreamConnect, op, "could not connect to proxy", err)
	}

	pc := &proxyConn{
		ws:       c,
		events:   make(chan Event, 64),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		pongWait: t.PongWait,
	}
	if pc.pongWait > 0 {
		_ = c.SetReadDeadline(time.Now().Add(pc.pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pc.pongWait))
		})
	}
	go pc.readLoop()
	if t.PingInterval > 0 {
		go pc.pingLoop(t.PingInterval)
	}
	return pc, nil
}

type proxyConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	events chan Event
	err    error

	readDone chan struct{}
	pongWait time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *proxyConn) readLoop() {
	defer close(c.events)
	defer close(c.readDone)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = c.readErr(err)
			return
		}
		if c.pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg models.OutboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed message from proxy")
			continue
		}
		switch msg.Type {
		case models.TypeSessionCreated:
			log.Debug().Str("sessionId", msg.SessionID).Msg("Proxy session created")
		case models.TypeTranscript:
			c.emit(Event{Type: EventTranscript, Transcript: msg.Transcript()})
		case models.TypeError:
			c.emit(Event{
				Type:     EventError,
				Code:     errs.Code(msg.Code),
				Message:  msg.Error,
				Terminal: msg.Terminal,
			})
		}
	}
}

func (c *proxyConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(proxyWriteWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.readDone:
			return
		case <-c.closing:
			return
		}
	}
}

func (c *proxyConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

// readErr maps a read error to the close reason. Only a 1000 close, or any close
// we initiated, is graceful.
func (c *proxyConn) readErr(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	const op = "client.proxyConn.read"
	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		return errs.E(errs.CodeUpstreamConnect, op, "proxy is shutting down", err)
	}
	return errs.E(errs.CodeUpstreamConnect, op, "proxy connection lost", err)
}

func (c *proxyConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(proxyWriteWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *proxyConn) Events() <-chan Event { return c.events }

func (c *proxyConn) Err() error { return c.err }

// Close sends session.close and waits briefly for the server to close.
func (c *proxyConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.mu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(proxyWriteWait))
		_ = c.ws.WriteJSON(models.ControlMessage{Type: models.TypeSessionClose})
		c.mu.Unlock()

		timer := time.NewTimer(proxyCloseWait)
		defer timer.Stop()
	wait:
		for {
			select {
			case _, ok := <-c.events:
				if !ok {
					break wait
				}
			case <-timer.C:
				break wait
			}
		}
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
