// Package client is the caller side of a transcription session. A Manager owns one
// logical session, reconnects it after unexpected drops and replays audio captured
// while disconnected.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/audio"
	"speech-stream-proxy/internal/service/backoff"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrClosed         = errors.New("session closed")
)

// EventType classifies a session event.
type EventType int

const (
	EventTranscript EventType = iota
	EventError
)

// Event is delivered to the session owner in order.
type Event struct {
	Type       EventType
	Transcript models.TranscriptEvent
	Code       errs.Code
	Message    string
	Terminal   bool
}

func errorEvent(err error, terminal bool) Event {
	return Event{
		Type:     EventError,
		Code:     errs.CodeOf(err),
		Message:  errs.SafeMessage(err),
		Terminal: terminal,
	}
}

// Conn is one live connection opened by a Transport.
type Conn interface {
	Send(frame []byte) error
	// Events is closed when the connection ends.
	Events() <-chan Event
	// Err is nil after a graceful close. Only meaningful once Events is closed.
	Err() error
	// Close ends the connection gracefully. Safe to call more than once.
	Close() error
}

// Transport opens connections for a Manager.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options configures a Manager.
type Options struct {
	// BufferFrames bounds audio kept while disconnected. 0 drops it instead.
	BufferFrames int
	BufferBytes  int64
	Backoff      backoff.Policy
	EventBuffer  int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	limits := audio.DefaultLimits()
	return Options{
		BufferFrames: limits.MaxFrames,
		BufferBytes:  limits.MaxBytes,
		Backoff:      backoff.DefaultPolicy(),
		EventBuffer:  64,
	}
}

// Manager runs one session over a Transport.
type Manager struct {
	transport Transport
	opts      Options
	logger    zerolog.Logger
	attempts  *backoff.State
	queue     *audio.Queue
	events    chan Event

	mu       sync.Mutex
	started  bool
	stopped  bool
	finished bool // ended gracefully or by a terminal error
	conn     Conn

	cancel     context.CancelFunc
	done       chan struct{}
	eventsOnce sync.Once
}

// New creates a manager. Nothing is dialed until Start.
func New(t Transport, opts Options) *Manager {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	return &Manager{
		transport: t,
		opts:      opts,
		logger:    log.With().Str("component", "client").Logger(),
		attempts:  backoff.NewState(opts.Backoff),
		queue:     audio.NewQueue(audio.Limits{MaxFrames: opts.BufferFrames, MaxBytes: opts.BufferBytes}),
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
	}
}

// Start begins connecting in the background. The session lives until Stop, until
// ctx is cancelled, or until it ends gracefully or with a terminal error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
	return nil
}

// Events yields transcripts and errors in order. It is closed when the session ends.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SendAudioChunk sends frame on the live connection, or buffers it while
// disconnected.
func (m *Manager) SendAudioChunk(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.started && !m.stopped:
		return ErrNotStarted
	case m.stopped || m.finished:
		return ErrClosed
	}

	if m.conn != nil {
		if err := m.conn.Send(frame); err == nil {
			return nil
		}
		// The connection's event stream reports why it failed.
	}
	m.queue.Push(frame)
	return nil
}

// Stop closes the session. It is safe to call more than once and from any state.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if started {
		m.cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if started {
		<-m.done
	} else {
		m.closeEvents()
	}
	m.queue.Close()
	return err
}

// IsActive reports whether the session is connected and has not ended.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.stopped && !m.finished
}

// Dropped returns how many frames were discarded while disconnected.
func (m *Manager) Dropped() uint64 {
	return m.queue.Dropped()
}

func (m *Manager) closeEvents() {
	m.eventsOnce.Do(func() { close(m.events) })
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.closeEvents()

	for ctx.Err() == nil {
		conn, err := m.transport.Dial(ctx)
		if err != nil {
			if !m.fail(ctx, err) {
				return
			}
			continue
		}
		if !m.attach(conn) {
			_ = conn.Close()
			return
		}
		m.attempts.Reset()
		m.logger.Info().Msg("Session connected")

		err = m.pump(ctx, conn)
		m.detach(conn)
		_ = conn.Close()

		switch {
		case ctx.Err() != nil:
			return
		case m.isFinished():
			return
		case err == nil:
			m.logger.Info().Msg("Session closed by server")
			m.finish()
			return
		default:
			if !m.fail(ctx, err) {
				return
			}
		}
	}
}

// attach replays buffered audio on conn and makes it the live connection. Holding
// mu keeps replayed frames ahead of new ones.
func (m *Manager) attach(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	frames := m.queue.Drain()
	for i, f := range frames {
		if err := conn.Send(f.Data); err != nil {
			m.queue.Requeue(frames[i:])
			break
		}
	}
	if len(frames) > 0 {
		m.logger.Debug().Int("frames", len(frames)).Msg("Replayed buffered audio")
	}
	m.conn = conn
	return true
}

func (m *Manager) detach(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) finish() {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()
}

func (m *Manager) isFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *Manager) pump(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			if ev.Type == EventError && ev.Terminal {
				m.finish()
			}
			m.deliver(ctx, ev)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// fail reports err and waits out the backoff. It returns false when the session
// must end instead of reconnecting.
func (m *Manager) fail(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errs.Terminal(err) {
		m.finish()
		m.deliver(ctx, errorEvent(err, true))
		return false
	}
	m.deliver(ctx, errorEvent(err, false))

	delay, ok := m.attempts.Fail()
	if !ok {
		m.finish()
		m.deliver(ctx, errorEvent(errs.E(errs.CodeCapacity, "client.reconnect",
			fmt.Sprintf("proxy unavailable after %d attempts", m.attempts.MaxAttempts()), err), true))
		return false
	}
	m.logger.Warn().
		Err(err).
		Int("attempt", m.attempts.Attempt()).
		Dur("delay", delay).
		Msg("Connection lost, reconnecting")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
