package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/observability/logging"
	"speech-stream-proxy/internal/schema"
	"speech-stream-proxy/internal/service/audio"
	"speech-stream-proxy/internal/service/backoff"
	"speech-stream-proxy/internal/service/sanitizer"
	"speech-stream-proxy/internal/service/session"
	"speech-stream-proxy/internal/service/stt"
)

// Frames held in flight while buffering is disabled and the upstream is writable.
const inflightFrames = 64

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID            string    `json:"sessionId"`
	Topic         string    `json:"topic,omitempty"`
	State         string    `json:"state"`
	StateForMs    int64     `json:"stateForMs"`
	Provider      string    `json:"provider,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Attempt       int       `json:"reconnectAttempt"`
	QueuedFrames  int       `json:"queuedFrames"`
	DroppedFrames uint64    `json:"droppedFrames"`
}

// Session is one caller connection bridged to an upstream provider.
type Session struct {
	id        string
	topic     string
	bridge    *Bridge
	in        Inbound
	lc        *session.Lifecycle
	queue     *audio.Queue
	buffering bool
	attempts  *backoff.State
	pipeline  *sanitizer.Pipeline
	connIDs   *session.Generator
	logger    zerolog.Logger

	createdAt    time.Time
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	upMu     sync.Mutex
	upstream stt.Adapter

	out        chan models.OutboundMessage
	outMu      sync.Mutex
	outClosed  bool
	writerDone chan struct{}

	transcripts chan models.TranscriptEvent

	endOnce   sync.Once
	endMu     sync.Mutex
	endCode   int
	endReason string
	endErr    error
}

func newSession(ctx context.Context, b *Bridge, id, topic string, in Inbound) *Session {
	limits := b.opts.Limits
	buffering := limits.MaxFrames > 0
	if !buffering {
		limits.MaxFrames = inflightFrames
	}

	sanOpts := b.opts.Sanitizer
	sanOpts.Topic = topic

	s := &Session{
		id:          id,
		topic:       topic,
		bridge:      b,
		in:          in,
		queue:       audio.NewQueue(limits),
		buffering:   buffering,
		attempts:    backoff.NewState(b.opts.Backoff),
		pipeline:    sanitizer.NewPipeline(sanOpts, b.checker),
		connIDs:     session.NewGenerator(),
		logger:      logging.WithSession(id),
		createdAt:   time.Now(),
		out:         make(chan models.OutboundMessage, b.opts.OutboundBuffer),
		writerDone:  make(chan struct{}),
		transcripts: make(chan models.TranscriptEvent, b.opts.OutboundBuffer),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lc = session.NewLifecycle(id, func(from, to session.State) {
		b.metrics.RecordTransition(from.String(), to.String())
		s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	})
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() session.State { return s.lc.State() }

// Err returns the error that ended the session, or nil for a clean close.
func (s *Session) Err() error {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.endErr
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	provider := ""
	s.upMu.Lock()
	if s.upstream != nil {
		provider = s.upstream.Name()
	}
	s.upMu.Unlock()

	return Snapshot{
		ID:            s.id,
		Topic:         s.topic,
		State:         s.lc.State().String(),
		StateForMs:    s.lc.Since().Milliseconds(),
		Provider:      provider,
		CreatedAt:     s.createdAt,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
		Attempt:       s.attempts.Attempt(),
		QueuedFrames:  s.queue.Len(),
		DroppedFrames: s.queue.Dropped(),
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// run drives the session until it ends, then tears it down in order: upstream
// first, then the transcript pipeline, then the outbound writer, then the
// inbound leg.
func (s *Session) run() {
	defer s.cancel()

	s.logger.Info().Str("topic", s.topic).Msg("Session started")
	s.emit(models.OutboundMessage{Type: models.TypeSessionCreated, SessionID: s.id})

	readDone := make(chan struct{})
	pipelineDone := make(chan struct{})
	go s.writeLoop()
	go func() {
		defer close(readDone)
		s.readLoop()
	}()
	go func() {
		defer close(pipelineDone)
		s.pipelineLoop()
	}()

	s.upstreamLoop()
	s.cancel()

	close(s.transcripts)
	<-pipelineDone

	s.outMu.Lock()
	s.outClosed = true
	close(s.out)
	s.outMu.Unlock()
	<-s.writerDone

	s.endMu.Lock()
	code, reason := s.endCode, s.endReason
	s.endMu.Unlock()
	if code == 0 {
		code = CloseNormal
	}
	_ = s.in.Close(code, reason)
	<-readDone

	s.queue.Close()
	s.lc.Close()

	ev := s.logger.Info()
	if err := s.Err(); err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("reason", reason).
		Dur("duration", time.Since(s.createdAt)).
		Uint64("droppedFrames", s.queue.Dropped()).
		Msg("Session closed")
}

// end records why the session is ending and cancels it. Only the first call counts.
func (s *Session) end(code int, reason string, err error) {
	s.endOnce.Do(func() {
		s.endMu.Lock()
		s.endCode, s.endReason, s.endErr = code, reason, err
		s.endMu.Unlock()
		s.cancel()
	})
}

// terminate sends a terminal error event and ends the session.
func (s *Session) terminate(err error) {
	s.emit(models.ErrorMessage(string(errs.CodeOf(err)), errs.SafeMessage(err), true))
	s.end(CloseNormal, errs.SafeMessage(err), err)
}

// emit queues msg for the inbound writer. It returns false once the outbound
// queue is closed or the writer has stopped.
func (s *Session) emit(msg models.OutboundMessage) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	case <-s.writerDone:
		return false
	}
}

// writeLoop is the only writer on the inbound leg.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.bridge.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.out:
			if !ok {
				return
			}
			if err := s.in.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Msg("Inbound write failed")
				s.end(CloseNormal, "inbound write failed", nil)
				return
			}
		case <-ticker.C:
			if err := s.in.WritePing(); err != nil {
				s.logger.Debug().Err(err).Msg("Inbound ping failed")
				s.end(CloseNormal, "inbound ping failed", nil)
				return
			}
		}
	}
}

// readLoop reads caller frames until the inbound leg closes.
func (s *Session) readLoop() {
	m := s.bridge.metrics
	for {
		mt, data, err := s.in.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Inbound closed")
			}
			s.end(CloseNormal, "inbound closed", nil)
			return
		}
		s.touch()

		switch mt {
		case websocket.BinaryMessage:
			m.RecordAudioReceived(len(data))
			if !s.buffering && s.lc.State() != session.StateBridged {
				m.RecordAudioDropped("disconnected", 1)
				continue
			}
			if n := s.queue.Push(data); n > 0 {
				m.RecordAudioDropped("overflow", n)
			}

		case websocket.TextMessage:
			ctl, err := schema.ParseControl(data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Malformed control message")
				s.emit(models.ErrorMessage(string(errs.CodeProtocol), errs.SafeMessage(err), true))
				s.end(CloseUnsupported, "malformed control message", err)
				return
			}
			if ctl.Type == models.TypeSessionClose {
				s.logger.Info().Msg("Caller requested close")
				s.end(CloseNormal, "session closed by caller", nil)
				return
			}
		}
	}
}

// upstreamLoop connects, relays and reconnects until the session ends.
func (s *Session) upstreamLoop() {
	for s.ctx.Err() == nil {
		if err := s.lc.Transition(session.StateUpstreamConnecting); err != nil {
			return
		}

		adapter, err := s.connect()
		if err != nil {
			if !s.fail(err) {
				return
			}
			continue
		}

		s.setUpstream(adapter)
		if err := s.lc.Transition(session.StateBridged); err != nil {
			s.setUpstream(nil)
			_ = adapter.Close()
			return
		}
		s.attempts.Reset()

		err = s.relay(adapter)
		s.setUpstream(nil)
		_ = adapter.Close()

		switch {
		case s.ctx.Err() != nil:
			return
		case err == nil:
			s.logger.Info().Msg("Upstream closed gracefully")
			s.end(CloseNormal, "upstream closed", nil)
			return
		default:
			if !s.fail(err) {
				return
			}
		}
	}
}

// connect opens and configures a new adapter. The caller closes it on success.
func (s *Session) connect() (stt.Adapter, error) {
	adapter := s.bridge.factory()
	connID := s.connIDs.Next(s.id)
	logger := logging.WithUpstream(s.id, connID, adapter.Name())

	ctx, cancel := context.WithTimeout(s.ctx, s.bridge.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	err := adapter.Start(ctx)
	if err == nil {
		err = adapter.Configure(ctx, s.bridge.opts.Params)
	}
	s.bridge.metrics.RecordUpstreamConnect(adapter.Name(), err, time.Since(start).Seconds())

	if err != nil {
		_ = adapter.Close()
		logger.Warn().Err(err).Int("attempt", s.attempts.Attempt()+1).Msg("Upstream connect failed")
		return nil, err
	}
	logger.Info().Msg("Upstream connected")
	return adapter, nil
}

func (s *Session) setUpstream(a stt.Adapter) {
	s.upMu.Lock()
	s.upstream = a
	s.upMu.Unlock()
}

// errCancelled marks a relay that stopped because the session ended.
var errCancelled = errors.New("session ended")

// relay flushes queued frames, then forwards audio and events until the upstream
// closes or the session ends. A nil return means the upstream closed gracefully.
func (s *Session) relay(a stt.Adapter) error {
	if err := s.flush(a); err != nil {
		return err
	}
	for {
		select {
		case <-s.ctx.Done():
			return errCancelled
		case <-s.queue.Notify():
			if err := s.flush(a); err != nil {
				return err
			}
		case ev, ok := <-a.Events():
			if !ok {
				return a.Err()
			}
			if !s.handleEvent(a, ev) {
				return errCancelled
			}
		}
	}
}

// flush sends every queued frame in order. Unsent frames go back to the head of
// the queue on failure.
func (s *Session) flush(a stt.Adapter) error {
	frames := s.queue.Drain()
	for i, f := range frames {
		if err := a.SendAudio(s.ctx, f.Data); err != nil {
			s.bridge.metrics.RecordAudioForwarded(i)
			if n := s.queue.Requeue(frames[i:]); n > 0 {
				s.bridge.metrics.RecordAudioDropped("overflow", n)
			}
			return err
		}
	}
	s.bridge.metrics.RecordAudioForwarded(len(frames))
	return nil
}

func (s *Session) handleEvent(a stt.Adapter, ev stt.Event) bool {
	switch ev.Type {
	case stt.EventTranscript:
		select {
		case s.transcripts <- ev.Transcript:
			return true
		case <-s.ctx.Done():
			return false
		}
	case stt.EventError:
		code := errs.CodeOf(ev.Err)
		s.bridge.metrics.RecordUpstreamError(a.Name(), string(code))
		s.logger.Warn().Err(ev.Err).Msg("Provider reported an error")
		s.emit(models.ErrorMessage(string(code), errs.SafeMessage(ev.Err), false))
	case stt.EventSpeechStarted, stt.EventSpeechStopped:
		s.logger.Debug().Str("event", ev.Type.String()).Msg("Speech boundary")
	}
	return true
}

// fail reports err to the caller and waits out the backoff. It returns false when
// the session must end instead of reconnecting.
func (s *Session) fail(err error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	code := errs.CodeOf(err)
	s.bridge.metrics.RecordUpstreamError(s.bridge.providerName(), string(code))

	if errs.Terminal(err) {
		s.terminate(err)
		return false
	}
	s.emit(models.ErrorMessage(string(code), errs.SafeMessage(err), false))

	if err := s.lc.Transition(session.StateUpstreamReconnecting); err != nil {
		return false
	}
	if !s.buffering {
		if frames := s.queue.Drain(); len(frames) > 0 {
			s.bridge.metrics.RecordAudioDropped("disconnected", len(frames))
		}
	}

	delay, ok := s.attempts.Fail()
	if !ok {
		s.terminate(errs.E(errs.CodeCapacity, "bridge.reconnect",
			fmt.Sprintf("upstream unavailable after %d attempts", s.attempts.MaxAttempts()), err))
		return false
	}
	s.bridge.metrics.RecordReconnect(s.bridge.providerName())
	s.logger.Info().
		Int("attempt", s.attempts.Attempt()).
		Dur("delay", delay).
		Msg("Reconnecting upstream")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// pipelineLoop cleans transcripts in provider order and delivers them. Events
// already received when the session ends are still delivered.
func (s *Session) pipelineLoop() {
	m := s.bridge.metrics
	ctx := context.WithoutCancel(s.ctx)
	for ev := range s.transcripts {
		if err := schema.ValidateTranscript(ev); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping out-of-range transcript")
			m.RecordFragmentRejected("invalid")
			continue
		}
		out, err := s.pipeline.Process(ctx, ev)
		if err != nil {
			m.RecordFragmentRejected(rejectReason(err))
			continue
		}

		if out.IsFinal {
			m.RecordFinalTranscript()
		} else {
			m.RecordPartialTranscript()
		}
		if sink := s.bridge.sink; sink != nil {
			rec := models.NewTranscriptRecord(s.id, s.bridge.providerName(), s.topic, out)
			if err := sink.Publish(ctx, rec); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to publish transcript")
			}
		}
		s.emit(models.TranscriptMessage(out))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, sanitizer.ErrEmpty):
		return "empty"
	case errors.Is(err, sanitizer.ErrDiscontinuous):
		return "discontinuous"
	default:
		return "continuity_error"
	}
}
