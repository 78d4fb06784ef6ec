package bridge

import "github.com/gorilla/websocket"

// Inbound is the caller-facing leg of a session. ReadMessage is called from one
// goroutine and the write methods from another.
type Inbound interface {
	// ReadMessage blocks for the next frame. Message types follow gorilla/websocket.
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	WritePing() error
	// Close sends a close frame with code (when the leg is still writable) and
	// releases the connection.
	Close(code int, reason string) error
}

// Close codes sent on the inbound leg.
const (
	CloseNormal      = websocket.CloseNormalClosure
	CloseGoingAway   = websocket.CloseGoingAway
	CloseUnsupported = websocket.CloseUnsupportedData
)
