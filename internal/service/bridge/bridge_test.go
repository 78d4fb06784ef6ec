package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/backoff"
	"speech-stream-proxy/internal/service/stt"
)

var errInboundClosed = errors.New("inbound closed")

type inFrame struct {
	mt   int
	data []byte
}

// fakeInbound feeds frames from a channel and records what the session writes.
// Closing frames simulates the caller hanging up.
type fakeInbound struct {
	frames chan inFrame
	out    chan models.OutboundMessage

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	code      int
	reason    string
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{
		frames: make(chan inFrame, 64),
		out:    make(chan models.OutboundMessage, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeInbound) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return 0, nil, errInboundClosed
		}
		return fr.mt, fr.data, nil
	case <-f.closed:
		return 0, nil, errInboundClosed
	}
}

func (f *fakeInbound) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errInboundClosed
	default:
	}
	f.out <- v.(models.OutboundMessage)
	return nil
}

func (f *fakeInbound) WritePing() error { return nil }

func (f *fakeInbound) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeInbound) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeInbound) sendAudio(data string) {
	f.frames <- inFrame{mt: websocket.BinaryMessage, data: []byte(data)}
}

func (f *fakeInbound) sendText(data string) {
	f.frames <- inFrame{mt: websocket.TextMessage, data: []byte(data)}
}

// next returns the next outbound message of type typ, skipping others.
func (f *fakeInbound) next(t *testing.T, typ string) models.OutboundMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.out:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s message", typ)
		}
	}
}

// terminal returns the first terminal error message.
func (f *fakeInbound) terminal(t *testing.T) models.OutboundMessage {
	t.Helper()
	for {
		msg := f.next(t, models.TypeError)
		if msg.Terminal {
			return msg
		}
	}
}

func (f *fakeInbound) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.closed:
		return f.closeCode()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound close")
		return 0
	}
}

// fakeProvider hands out scripted adapters and tracks how many are live.
type fakeProvider struct {
	mu        sync.Mutex
	startErrs []error
	adapters  []*fakeAdapter
	live      int
	maxLive   int
}

func (p *fakeProvider) factory() stt.Factory {
	return func() stt.Adapter {
		p.mu.Lock()
		defer p.mu.Unlock()
		a := &fakeAdapter{
			provider: p,
			stream:   stt.NewStream(16),
			audio:    make(chan []byte, 256),
		}
		if n := len(p.adapters); n < len(p.startErrs) {
			a.startErr = p.startErrs[n]
		}
		p.adapters = append(p.adapters, a)
		return a
	}
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}

func (p *fakeProvider) liveCount() (live, maxLive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, p.maxLive
}

// connected waits until adapter i has been started and configured.
func (p *fakeProvider) connected(t *testing.T, i int) *fakeAdapter {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if i < len(p.adapters) {
			a := p.adapters[i]
			p.mu.Unlock()
			if a.isConfigured() {
				return a
			}
		} else {
			p.mu.Unlock()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("adapter %d never connected", i)
	return nil
}

type fakeAdapter struct {
	provider *fakeProvider
	startErr error
	stream   *stt.Stream
	audio    chan []byte

	mu         sync.Mutex
	started    bool
	configured bool
	closed     bool
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Start(ctx context.Context) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	p := a.provider
	p.mu.Lock()
	p.live++
	if p.live > p.maxLive {
		p.maxLive = p.live
	}
	p.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Configure(ctx context.Context, params stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configured = true
	return nil
}

func (a *fakeAdapter) isConfigured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configured
}

func (a *fakeAdapter) SendAudio(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errs.E(errs.CodeUpstreamConnect, "fake.SendAudio", "connection closed", nil)
	}
	a.audio <- frame
	return nil
}

func (a *fakeAdapter) Events() <-chan stt.Event { return a.stream.Events() }

func (a *fakeAdapter) Err() error { return a.stream.Err() }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.mu.Unlock()

	if started {
		a.provider.mu.Lock()
		a.provider.live--
		a.provider.mu.Unlock()
	}
	a.stream.Abandon()
	a.stream.Finish(nil)
	return nil
}

func (a *fakeAdapter) transcript(text string, final bool) {
	a.stream.Emit(stt.Event{
		Type:       stt.EventTranscript,
		Transcript: models.TranscriptEvent{Text: text, IsFinal: final, Confidence: 0.9, Timestamp: 1},
	})
}

// drop ends the connection the way a provider failure would.
func (a *fakeAdapter) drop(err error) {
	a.stream.Finish(err)
}

func (a *fakeAdapter) nextAudio(t *testing.T) string {
	t.Helper()
	select {
	case f := <-a.audio:
		return string(f)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded audio")
		return ""
	}
}

type fakeSink struct {
	mu   sync.Mutex
	recs []models.TranscriptRecord
}

func (s *fakeSink) Publish(ctx context.Context, rec models.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *fakeSink) records() []models.TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TranscriptRecord(nil), s.recs...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Provider = "fake"
	opts.Backoff = backoff.Policy{Base: 5 * time.Millisecond, MaxAttempts: 2}
	opts.IdleTimeout = 0
	opts.PingInterval = time.Hour
	opts.ConnectTimeout = time.Second
	return opts
}

type served struct {
	in   *fakeInbound
	done chan error
}

func serve(b *Bridge, id, topic string) served {
	s := served{in: newFakeInbound(), done: make(chan error, 1)}
	go func() { s.done <- b.Serve(context.Background(), id, topic, s.in) }()
	return s
}

func (s served) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve to return")
		return nil
	}
}

func TestSession_RelaysAudioInOrder(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "s-order", "")

	created := s.in.next(t, models.TypeSessionCreated)
	if created.SessionID != "s-order" {
		t.Errorf("expected session id in session.created, got %q", created.SessionID)
	}

	frames := []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	for _, f := range frames {
		s.in.sendAudio(f)
	}
	a := p.connected(t, 0)
	for _, want := range frames {
		if got := a.nextAudio(t); got != want {
			t.Fatalf("expected frame %s, got %s", want, got)
		}
	}

	close(s.in.frames)
	if err := s.result(t); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if code := s.in.closeCode(); code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, code)
	}
	if live, _ := p.liveCount(); live != 0 {
		t.Errorf("expected upstream closed with inbound, %d still live", live)
	}
	if b.Len() != 0 {
		t.Errorf("expected session removed, %d left", b.Len())
	}
}

func TestSession_DeliversCleanedTranscripts(t *testing.T) {
	p := &fakeProvider{}
	sink := &fakeSink{}
	b := New(p.factory(), testOptions(), nil, sink)
	s := serve(b, "s-clean", "physics")

	a := p.connected(t, 0)
	a.transcript("um so the the force", false)
	a.transcript("um so the the force, uh, equals mass times acceleration right", true)
	a.transcript("uh um", true)

	partial := s.in.next(t, models.TypeTranscript)
	if partial.IsFinal || partial.Text != "So the force" {
		t.Errorf("unexpected partial %+v", partial)
	}
	final := s.in.next(t, models.TypeTranscript)
	if !final.IsFinal || final.Text != "So the force equals mass times acceleration" {
		t.Errorf("unexpected final %+v", final)
	}

	s.in.sendText(`{"type":"session.close"}`)
	if err := s.result(t); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 published records (filler-only final dropped), got %d", len(recs))
	}
	if recs[1].EventType != models.EventTypeFinal || recs[1].Topic != "physics" || recs[1].Provider != "fake" {
		t.Errorf("unexpected final record %+v", recs[1])
	}
}

func TestSession_ReconnectKeepsInbound(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "s-reconnect", "")

	first := p.connected(t, 0)
	first.drop(errs.E(errs.CodeUpstreamConnect, "fake", "connection reset", nil))

	msg := s.in.next(t, models.TypeError)
	if msg.Terminal || msg.Code != string(errs.CodeUpstreamConnect) {
		t.Errorf("expected non-terminal UPSTREAM_CONNECT error, got %+v", msg)
	}

	second := p.connected(t, 1)
	s.in.sendAudio("after")
	if got := second.nextAudio(t); got != "after" {
		t.Errorf("expected frame on new upstream, got %s", got)
	}
	select {
	case <-s.in.closed:
		t.Fatal("inbound closed during reconnect")
	default:
	}
	// audio reaching the new upstream means the session is bridged again
	if snap, ok := b.Get("s-reconnect"); !ok || snap.State != "BRIDGED" {
		t.Errorf("expected BRIDGED snapshot, got %+v (found=%v)", snap, ok)
	}

	s.in.sendText(`{"type":"session.close"}`)
	if err := s.result(t); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if _, maxLive := p.liveCount(); maxLive != 1 {
		t.Errorf("expected at most one live upstream, saw %d", maxLive)
	}
}

func TestSession_BuffersAudioAcrossReconnect(t *testing.T) {
	p := &fakeProvider{}
	opts := testOptions()
	opts.Backoff.Base = 100 * time.Millisecond
	b := New(p.factory(), opts, nil, nil)
	s := serve(b, "s-buffer", "")

	first := p.connected(t, 0)
	first.drop(errs.E(errs.CodeUpstreamConnect, "fake", "connection reset", nil))
	s.in.next(t, models.TypeError)

	for _, f := range []string{"b0", "b1", "b2"} {
		s.in.sendAudio(f)
	}
	second := p.connected(t, 1)
	for _, want := range []string{"b0", "b1", "b2"} {
		if got := second.nextAudio(t); got != want {
			t.Fatalf("expected buffered frame %s, got %s", want, got)
		}
	}

	close(s.in.frames)
	_ = s.result(t)
}

func TestSession_ReconnectExhausted(t *testing.T) {
	down := errs.E(errs.CodeUpstreamConnect, "fake", "dial failed", nil)
	p := &fakeProvider{startErrs: []error{down, down, down, down, down}}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "s-exhausted", "")

	msg := s.in.terminal(t)
	if msg.Code != string(errs.CodeCapacity) {
		t.Errorf("expected CAPACITY, got %+v", msg)
	}
	if msg.Error != "upstream unavailable after 2 attempts" {
		t.Errorf("unexpected message %q", msg.Error)
	}

	err := s.result(t)
	if !errs.IsCode(err, errs.CodeCapacity) {
		t.Errorf("expected CAPACITY error from Serve, got %v", err)
	}
	if code := s.in.closeCode(); code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, code)
	}
	if n := p.count(); n != 3 {
		t.Errorf("expected 3 connection attempts, got %d", n)
	}
	if b.Len() != 0 {
		t.Errorf("expected session removed, %d left", b.Len())
	}
}

func TestSession_HangupCancelsReconnectWait(t *testing.T) {
	down := errs.E(errs.CodeUpstreamConnect, "fake", "dial failed", nil)
	p := &fakeProvider{startErrs: []error{down}}
	opts := testOptions()
	opts.Backoff = backoff.Policy{Base: 30 * time.Second, MaxAttempts: 5}
	b := New(p.factory(), opts, nil, nil)
	s := serve(b, "s-hangup", "")

	if msg := s.in.next(t, models.TypeError); msg.Terminal {
		t.Fatalf("expected non-terminal error, got %+v", msg)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := b.Get("s-hangup")
		if ok && snap.State == "UPSTREAM_RECONNECTING" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached UPSTREAM_RECONNECTING, last %+v", snap)
		}
		time.Sleep(2 * time.Millisecond)
	}

	start := time.Now()
	close(s.in.frames)
	if err := s.result(t); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Serve took %v to return during backoff", elapsed)
	}
	if b.Len() != 0 {
		t.Errorf("expected session removed, %d left", b.Len())
	}
	time.Sleep(20 * time.Millisecond)
	if n := p.count(); n != 1 {
		t.Errorf("expected no connection attempt after hangup, got %d", n)
	}
}

func TestSession_UnauthorizedIsTerminal(t *testing.T) {
	denied := errs.E(errs.CodeUnauthorized, "fake", "invalid api key", nil)
	p := &fakeProvider{startErrs: []error{denied}}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "s-denied", "")

	msg := s.in.terminal(t)
	if msg.Code != string(errs.CodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED, got %+v", msg)
	}
	if err := s.result(t); !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED from Serve, got %v", err)
	}
	if n := p.count(); n != 1 {
		t.Errorf("expected no reconnect, got %d attempts", n)
	}
}

func TestSession_UpstreamGracefulClose(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "s-graceful", "")

	a := p.connected(t, 0)
	a.transcript("last words", true)
	a.drop(nil)

	final := s.in.next(t, models.TypeTranscript)
	if final.Text != "Last words" {
		t.Errorf("expected trailing final delivered, got %+v", final)
	}
	if err := s.result(t); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if code := s.in.closeCode(); code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, code)
	}
}

func TestSession_ControlMessages(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantCode int
		wantErr  bool
	}{
		{"session close", `{"type":"session.close"}`, CloseNormal, false},
		{"unknown type", `{"type":"session.pause"}`, CloseUnsupported, true},
		{"not json", `close please`, CloseUnsupported, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			b := New(p.factory(), testOptions(), nil, nil)
			s := serve(b, "s-control", "")
			p.connected(t, 0)

			s.in.sendText(tt.text)
			if tt.wantErr {
				msg := s.in.terminal(t)
				if msg.Code != string(errs.CodeProtocol) {
					t.Errorf("expected PROTOCOL error, got %+v", msg)
				}
			}
			err := s.result(t)
			if (err != nil) != tt.wantErr {
				t.Errorf("Serve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if code := s.in.closeCode(); code != tt.wantCode {
				t.Errorf("expected close code %d, got %d", tt.wantCode, code)
			}
		})
	}
}

func TestBridge_DuplicateSessionID(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	first := serve(b, "dup", "")
	p.connected(t, 0)

	in := newFakeInbound()
	err := b.Serve(context.Background(), "dup", "", in)
	if !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	msg := in.terminal(t)
	if msg.Code != string(errs.CodeConflict) {
		t.Errorf("expected CONFLICT message, got %+v", msg)
	}
	if code := in.waitClosed(t); code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, code)
	}
	if b.Len() != 1 {
		t.Errorf("expected the original session to survive, have %d", b.Len())
	}

	close(first.in.frames)
	_ = first.result(t)
}

func TestBridge_TakesOverSilentSession(t *testing.T) {
	p := &fakeProvider{}
	opts := testOptions()
	opts.TakeoverAfter = 100 * time.Millisecond
	b := New(p.factory(), opts, nil, nil)

	first := serve(b, "resume", "")
	p.connected(t, 0)
	first.in.next(t, models.TypeSessionCreated)
	time.Sleep(200 * time.Millisecond)

	if b.InUse("resume") {
		t.Fatal("expected a silent session to be reclaimable")
	}
	second := serve(b, "resume", "")
	second.in.next(t, models.TypeSessionCreated)

	if err := first.result(t); err != nil {
		t.Errorf("expected the silent session to end cleanly, got %v", err)
	}
	if code := first.in.closeCode(); code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, code)
	}

	a := p.connected(t, 1)
	second.in.sendAudio("again")
	if got := a.nextAudio(t); got != "again" {
		t.Errorf("expected audio on the resumed session, got %s", got)
	}
	if !b.InUse("resume") {
		t.Error("expected the resumed session to hold the id")
	}
	if b.Len() != 1 {
		t.Errorf("expected one session, got %d", b.Len())
	}

	close(second.in.frames)
	if err := second.result(t); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("expected session removed, %d left", b.Len())
	}
}

func TestBridge_CloseAll(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	s1 := serve(b, "a", "")
	s2 := serve(b, "b", "")
	p.connected(t, 0)
	p.connected(t, 1)

	if got := b.Sessions(); len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	for _, s := range []served{s1, s2} {
		if code := s.in.waitClosed(t); code != CloseGoingAway {
			t.Errorf("expected close code %d, got %d", CloseGoingAway, code)
		}
	}
	if b.Len() != 0 {
		t.Errorf("expected no sessions, got %d", b.Len())
	}

	err := b.Serve(context.Background(), "late", "", newFakeInbound())
	if !errs.IsCode(err, errs.CodeCapacity) {
		t.Errorf("expected CAPACITY after shutdown, got %v", err)
	}
}

func TestBridge_CloseOne(t *testing.T) {
	p := &fakeProvider{}
	b := New(p.factory(), testOptions(), nil, nil)
	s := serve(b, "one", "")
	p.connected(t, 0)

	if !b.Close("one") {
		t.Fatal("expected session to be found")
	}
	if err := s.result(t); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if b.Close("one") {
		t.Error("expected closed session to be gone")
	}
}

func TestBridge_IdleSweep(t *testing.T) {
	p := &fakeProvider{}
	opts := testOptions()
	opts.IdleTimeout = 50 * time.Millisecond
	b := New(p.factory(), opts, nil, nil)
	defer b.CloseAll(context.Background())

	s := serve(b, "idle", "")
	msg := s.in.terminal(t)
	if msg.Code != string(errs.CodeIdleTimeout) {
		t.Errorf("expected IDLE_TIMEOUT, got %+v", msg)
	}
	if err := s.result(t); !errs.IsCode(err, errs.CodeIdleTimeout) {
		t.Errorf("expected IDLE_TIMEOUT from Serve, got %v", err)
	}
}
