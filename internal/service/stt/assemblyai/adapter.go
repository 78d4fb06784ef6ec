// Package assemblyai provides an upstream adapter for the AssemblyAI v3 streaming API.
// Audio travels as raw binary frames; control and results are small JSON messages.
package assemblyai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/stt"
)

const (
	Name       = "assemblyai"
	DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

	terminateWait = 2 * time.Second
)

// Config holds connection settings.
type Config struct {
	URL          string
	APIKey       string
	PingInterval time.Duration
	// FormatTurns asks for punctuated turns. A turn is final only once formatted.
	FormatTurns bool
	// Audio fixes sample rate and encoding, which the protocol takes at connect time.
	Audio stt.Params
}

// Adapter implements stt.Adapter for the AssemblyAI binary-frame protocol.
type Adapter struct {
	cfg    Config
	conn   *stt.WSConn
	stream *stt.Stream
	logger zerolog.Logger

	mu         sync.Mutex
	configured bool
	closing    bool
	terminated chan struct{}
	termOnce   sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an adapter for one connection.
func New(cfg Config) *Adapter {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = stt.DefaultPingInterval
	}
	return &Adapter{
		cfg:        cfg,
		stream:     stt.NewStream(64),
		logger:     log.With().Str("sttProvider", Name).Logger(),
		terminated: make(chan struct{}),
	}
}

// Factory returns an stt.Factory for cfg.
func Factory(cfg Config) stt.Factory {
	return func() stt.Adapter { return New(cfg) }
}

func (a *Adapter) Name() string { return Name }

// StreamURL builds the connection URL. Audio format is fixed at connect time.
func StreamURL(base string, p stt.Params, formatTurns bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	rate := p.SampleRateHz
	if rate == 0 {
		rate = 16000
	}
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("encoding", encoding(p.AudioEncoding))
	q.Set("format_turns", strconv.FormatBool(formatTurns))
	if p.Model != "" {
		q.Set("speech_model", p.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encoding(enc string) string {
	switch strings.ToUpper(enc) {
	case "MULAW", "PCM_MULAW":
		return "pcm_mulaw"
	default:
		return "pcm_s16le"
	}
}

// Start dials the streaming endpoint.
func (a *Adapter) Start(ctx context.Context) error {
	rawURL, err := StreamURL(a.cfg.URL, a.cfg.Audio, a.cfg.FormatTurns)
	if err != nil {
		err = errs.E(errs.CodeInvalidArgument, "stt.assemblyai.Start", "invalid provider url", err)
		a.stream.Finish(err)
		return err
	}
	header := http.Header{}
	header.Set("Authorization", a.cfg.APIKey)

	conn, err := stt.DialWS(ctx, rawURL, header, "stt.assemblyai.Start")
	if err != nil {
		a.stream.Finish(err)
		return err
	}
	a.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		stt.KeepAlive(runCtx, conn, a.cfg.PingInterval)
	}()
	go a.readLoop()
	return nil
}

type updateConfiguration struct {
	Type                         string  `json:"type"`
	EndOfTurnConfidenceThreshold float64 `json:"end_of_turn_confidence_threshold,omitempty"`
	MinEndOfTurnSilenceConfident int     `json:"min_end_of_turn_silence_when_confident,omitempty"`
	MaxTurnSilence               int     `json:"max_turn_silence,omitempty"`
}

// BuildUpdateConfiguration renders the turn-detection thresholds in p.
func BuildUpdateConfiguration(p stt.Params) any {
	return updateConfiguration{
		Type:                         "UpdateConfiguration",
		EndOfTurnConfidenceThreshold: p.TurnDetection.EndOfTurnConfidence,
		MinEndOfTurnSilenceConfident: p.TurnDetection.SilenceDurationMs,
		MaxTurnSilence:               p.TurnDetection.SilenceDurationMs * 4,
	}
}

// Configure sends the turn-detection configuration once, before any audio.
func (a *Adapter) Configure(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.closing {
		return errs.E(errs.CodeProtocol, "stt.assemblyai.Configure", "connection not open", nil)
	}
	if a.configured {
		return errs.E(errs.CodeProtocol, "stt.assemblyai.Configure", "already configured", nil)
	}
	if err := a.conn.WriteJSON(BuildUpdateConfiguration(p)); err != nil {
		return errs.E(errs.CodeUpstreamConnect, "stt.assemblyai.Configure", "could not send configuration", err)
	}
	a.configured = true
	return nil
}

// SendAudio writes one raw audio frame.
func (a *Adapter) SendAudio(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	ready := a.configured && !a.closing
	a.mu.Unlock()
	if !ready {
		return errs.E(errs.CodeProtocol, "stt.assemblyai.SendAudio", "audio before configuration", nil)
	}
	if err := a.conn.WriteBinary(frame); err != nil {
		return errs.E(errs.CodeUpstreamConnect, "stt.assemblyai.SendAudio", "could not write audio", err)
	}
	return nil
}

type word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"word_is_final"`
}

type serverMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	TurnOrder           int     `json:"turn_order"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []word  `json:"words"`
	Error               string  `json:"error"`
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()
	inSpeech := false
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			a.stream.Finish(stt.ReadErr(err, closing, "stt.assemblyai.read"))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		events, perr := a.decode(data, &inSpeech)
		if perr != nil {
			a.logger.Warn().Err(perr).Msg("Malformed provider frame, closing upstream")
			a.stream.Finish(perr)
			_ = a.conn.Close()
			return
		}
		for _, ev := range events {
			a.stream.Emit(ev)
		}
	}
}

// decode maps one provider message to zero or more normalized events.
func (a *Adapter) decode(data []byte, inSpeech *bool) ([]stt.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.E(errs.CodeProtocol, "stt.assemblyai.decode", "malformed provider frame", err)
	}
	if msg.Error != "" {
		return []stt.Event{{
			Type: stt.EventError,
			Err:  errs.E(errs.CodeProtocol, "stt.assemblyai", msg.Error, nil),
		}}, nil
	}

	switch msg.Type {
	case "Begin":
		return nil, nil

	case "Turn":
		var out []stt.Event
		if !*inSpeech && msg.Transcript != "" {
			*inSpeech = true
			out = append(out, stt.Event{Type: stt.EventSpeechStarted})
		}
		final := msg.EndOfTurn && (msg.TurnIsFormatted || !a.cfg.FormatTurns)
		if msg.Transcript != "" {
			out = append(out, stt.Event{
				Type: stt.EventTranscript,
				Transcript: models.TranscriptEvent{
					Text:       msg.Transcript,
					IsFinal:    final,
					Confidence: meanConfidence(msg.Words),
					Timestamp:  time.Now().UnixMilli(),
				},
			})
		}
		if final {
			*inSpeech = false
			out = append(out, stt.Event{Type: stt.EventSpeechStopped})
		}
		return out, nil

	case "Termination":
		a.termOnce.Do(func() { close(a.terminated) })
		return nil, nil

	default:
		return nil, nil
	}
}

func meanConfidence(words []word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

func (a *Adapter) Events() <-chan stt.Event { return a.stream.Events() }

func (a *Adapter) Err() error { return a.stream.Err() }

// Close asks the provider to terminate the session, waits briefly for the
// acknowledgement, then closes the socket.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	conn := a.conn
	a.mu.Unlock()

	a.stream.Abandon()
	if conn == nil {
		a.stream.Finish(nil)
		return nil
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err == nil {
		select {
		case <-a.terminated:
		case <-time.After(terminateWait):
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	_ = conn.WriteClose()
	err := conn.Close()
	a.wg.Wait()
	return err
}
