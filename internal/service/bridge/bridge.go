// Package bridge relays audio between caller sessions and upstream transcription
// providers, and transcripts back. Each session owns one inbound leg and at most
// one live upstream connection.
package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/observability/metrics"
	"speech-stream-proxy/internal/service/audio"
	"speech-stream-proxy/internal/service/backoff"
	"speech-stream-proxy/internal/service/sanitizer"
	"speech-stream-proxy/internal/service/stt"
)

// Sink receives accepted transcript fragments.
type Sink interface {
	Publish(ctx context.Context, rec models.TranscriptRecord) error
}

// Options configures every session the bridge serves.
type Options struct {
	// Provider labels metrics and transcript records.
	Provider       string
	Params         stt.Params
	Limits         audio.Limits
	Backoff        backoff.Policy
	Sanitizer      sanitizer.Options
	OutboundBuffer int
	// IdleTimeout closes sessions that have received nothing from the caller for
	// this long. Zero disables the sweeper.
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	ConnectTimeout time.Duration
	// TakeoverAfter lets a new connection claim a session id whose current caller
	// has sent nothing for this long, so a client whose old connection went
	// half-open can resume. Zero always refuses a live id.
	TakeoverAfter time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Params:         stt.DefaultParams(),
		Limits:         audio.DefaultLimits(),
		Backoff:        backoff.DefaultPolicy(),
		Sanitizer:      sanitizer.DefaultOptions(),
		OutboundBuffer: 64,
		IdleTimeout:    5 * time.Minute,
		PingInterval:   30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		TakeoverAfter:  15 * time.Second,
	}
}

// Bridge owns the session table.
type Bridge struct {
	factory stt.Factory
	checker sanitizer.ContinuityChecker
	sink    Sink
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool

	wg        sync.WaitGroup
	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a bridge. checker and sink may be nil.
func New(factory stt.Factory, opts Options, checker sanitizer.ContinuityChecker, sink Sink) *Bridge {
	def := DefaultOptions()
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = def.OutboundBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = def.Backoff
	}

	b := &Bridge{
		factory:   factory,
		checker:   checker,
		sink:      sink,
		opts:      opts,
		metrics:   metrics.DefaultMetrics,
		logger:    log.With().Str("component", "bridge").Logger(),
		sessions:  make(map[string]*Session),
		stopSweep: make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go b.sweep()
	}
	return b
}

// Serve runs the session identified by id over in until it closes. It returns
// a CONFLICT error without serving when id is already live.
func (b *Bridge) Serve(ctx context.Context, id, topic string, in Inbound) error {
	s := newSession(ctx, b, id, topic, in)
	stale, err := b.register(s)
	if stale != nil {
		s.logger.Warn().Dur("idle", stale.idleFor()).Msg("Taking over session from a silent connection")
		stale.end(CloseNormal, "session resumed on another connection", nil)
	}
	if err != nil {
		s.cancel()
		_ = in.WriteJSON(models.ErrorMessage(string(errs.CodeOf(err)), errs.SafeMessage(err), true))
		_ = in.Close(CloseNormal, errs.SafeMessage(err))
		return err
	}
	defer b.wg.Done()
	defer b.remove(s)

	s.run()
	return s.Err()
}

// register adds s to the table. When s replaces a stale session with the same
// id, the stale one is returned for the caller to end.
func (b *Bridge) register(s *Session) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return nil, errs.E(errs.CodeCapacity, "bridge.register", "server shutting down", nil)
	}
	old, ok := b.sessions[s.id]
	if ok && !b.stale(old) {
		return nil, errs.E(errs.CodeConflict, "bridge.register", "session id already in use", nil)
	}
	b.sessions[s.id] = s
	b.wg.Add(1)
	b.metrics.RecordSessionStart()
	return old, nil
}

func (b *Bridge) stale(s *Session) bool {
	return b.opts.TakeoverAfter > 0 && s.idleFor() >= b.opts.TakeoverAfter
}

// InUse reports whether id belongs to a live session that a new connection
// could not take over.
func (b *Bridge) InUse(id string) bool {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	return ok && !b.stale(s)
}

func (b *Bridge) remove(s *Session) {
	b.mu.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	b.mu.Unlock()

	code := ""
	if err := s.Err(); err != nil {
		code = string(errs.CodeOf(err))
	}
	b.metrics.RecordSessionEnd(code, time.Since(s.createdAt).Seconds())
}

func (b *Bridge) providerName() string {
	if b.opts.Provider == "" {
		return "unknown"
	}
	return b.opts.Provider
}

// Len returns the number of live sessions.
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Get returns a snapshot of one session.
func (b *Bridge) Get(id string) (Snapshot, bool) {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Sessions returns snapshots of all live sessions, oldest first.
func (b *Bridge) Sessions() []Snapshot {
	b.mu.RLock()
	list := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		list = append(list, s)
	}
	b.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close ends one session as if the caller had closed it.
func (b *Bridge) Close(id string) bool {
	b.mu.RLock()
	s, ok := b.sessions[id]
	b.mu.RUnlock()
	if ok {
		s.end(CloseNormal, "closed by server", nil)
	}
	return ok
}

// CloseAll ends every session and waits for them to tear down or for ctx.
// New sessions are refused afterwards.
func (b *Bridge) CloseAll(ctx context.Context) error {
	b.sweepOnce.Do(func() { close(b.stopSweep) })

	b.mu.Lock()
	b.closing = true
	list := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		list = append(list, s)
	}
	b.mu.Unlock()

	b.logger.Info().Int("sessions", len(list)).Msg("Closing all sessions")
	for _, s := range list {
		s.end(CloseGoingAway, "server shutting down", nil)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep closes sessions idle for longer than IdleTimeout.
func (b *Bridge) sweep() {
	interval := b.opts.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.mu.RLock()
			var idle []*Session
			for _, s := range b.sessions {
				if s.idleFor() > b.opts.IdleTimeout {
					idle = append(idle, s)
				}
			}
			b.mu.RUnlock()

			for _, s := range idle {
				err := errs.E(errs.CodeIdleTimeout, "bridge.sweep", "session idle timeout", nil)
				s.logger.Info().Dur("idleTimeout", b.opts.IdleTimeout).Msg("Closing idle session")
				s.terminate(err)
			}
		}
	}
}
