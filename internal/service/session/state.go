// Package session provides session id generation and the bridge lifecycle state machine.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the lifecycle state of a bridged session.
type State int

const (
	// StateCreated - Inbound accepted, upstream not yet attempted.
	StateCreated State = iota
	// StateUpstreamConnecting - Outbound dial in progress, inbound frames are queued.
	StateUpstreamConnecting
	// StateBridged - Both legs open, frames relay transparently.
	StateBridged
	// StateUpstreamReconnecting - Upstream dropped, inbound kept alive and buffered.
	StateUpstreamReconnecting
	// StateClosed - Either leg closed gracefully or a terminal error occurred.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateUpstreamConnecting:
		return "UPSTREAM_CONNECTING"
	case StateBridged:
		return "BRIDGED"
	case StateUpstreamReconnecting:
		return "UPSTREAM_RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Errors for invalid state transitions.
var (
	ErrSessionClosed     = errors.New("session is closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var transitions = map[State][]State{
	StateCreated:              {StateUpstreamConnecting, StateClosed},
	StateUpstreamConnecting:   {StateBridged, StateUpstreamReconnecting, StateClosed},
	StateBridged:              {StateUpstreamReconnecting, StateClosed},
	StateUpstreamReconnecting: {StateUpstreamConnecting, StateClosed},
}

// TransitionFunc observes state changes. It runs outside the lifecycle lock.
type TransitionFunc func(from, to State)

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	CREATED → UPSTREAM_CONNECTING → BRIDGED
//	              ↑        │           │
//	              │        ▼           ▼
//	              └── UPSTREAM_RECONNECTING
//
// Every state may move to CLOSED. CLOSED is final.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionId string
	state     State
	changedAt time.Time
	onChange  TransitionFunc
}

// NewLifecycle creates a new session lifecycle in CREATED state.
func NewLifecycle(sessionId string, onChange TransitionFunc) *Lifecycle {
	return &Lifecycle{
		sessionId: sessionId,
		state:     StateCreated,
		changedAt: time.Now(),
		onChange:  onChange,
	}
}

// SessionId returns the session ID.
func (l *Lifecycle) SessionId() string {
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Since returns how long the session has been in its current state.
func (l *Lifecycle) Since() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return time.Since(l.changedAt)
}

// IsClosed returns true if the session reached CLOSED.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the session to the next state.
// Returns ErrSessionClosed once closed and ErrInvalidTransition for illegal moves.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	from := l.state
	if from.IsTerminal() {
		l.mu.Unlock()
		return ErrSessionClosed
	}
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	l.state = to
	l.changedAt = time.Now()
	cb := l.onChange
	l.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return nil
}

// Close transitions the session to CLOSED state.
// Can be called from any state. Returns false if already closed.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	from := l.state
	if from.IsTerminal() {
		l.mu.Unlock()
		return false
	}
	l.state = StateClosed
	l.changedAt = time.Now()
	cb := l.onChange
	l.mu.Unlock()

	if cb != nil {
		cb(from, StateClosed)
	}
	return true
}
