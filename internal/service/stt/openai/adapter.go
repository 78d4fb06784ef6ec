// Package openai provides an upstream adapter for the OpenAI realtime transcription
// API. It speaks a JSON control protocol: configuration, audio and results are all
// JSON text frames over one websocket.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
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
	Name         = "openai"
	DefaultURL   = "wss://api.openai.com/v1/realtime?intent=transcription"
	DefaultModel = "gpt-4o-transcribe"
)

// Config holds connection settings.
type Config struct {
	URL          string
	APIKey       string
	PingInterval time.Duration
}

// Adapter implements stt.Adapter for the OpenAI realtime transcription protocol.
type Adapter struct {
	cfg    Config
	conn   *stt.WSConn
	stream *stt.Stream
	logger zerolog.Logger

	mu         sync.Mutex
	configured bool
	closing    bool

	// Partial text accumulated per conversation item.
	partials map[string]string

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
		cfg:      cfg,
		stream:   stt.NewStream(64),
		logger:   log.With().Str("sttProvider", Name).Logger(),
		partials: make(map[string]string),
	}
}

// Factory returns an stt.Factory for cfg.
func Factory(cfg Config) stt.Factory {
	return func() stt.Adapter { return New(cfg) }
}

func (a *Adapter) Name() string { return Name }

// Start dials the realtime endpoint and begins reading events.
func (a *Adapter) Start(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, err := stt.DialWS(ctx, a.cfg.URL, header, "stt.openai.Start")
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

type sessionUpdate struct {
	Type    string             `json:"type"`
	Session transcriptionSetup `json:"session"`
}

type transcriptionSetup struct {
	InputAudioFormat         string             `json:"input_audio_format"`
	InputAudioTranscription  transcriptionModel `json:"input_audio_transcription"`
	TurnDetection            *turnDetection     `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction *noiseReduction    `json:"input_audio_noise_reduction,omitempty"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

// BuildSessionUpdate renders params as a transcription_session.update message.
func BuildSessionUpdate(p stt.Params) any {
	model := p.Model
	if model == "" {
		model = DefaultModel
	}
	return sessionUpdate{
		Type: "transcription_session.update",
		Session: transcriptionSetup{
			InputAudioFormat: audioFormat(p.AudioEncoding),
			InputAudioTranscription: transcriptionModel{
				Model:    model,
				Language: language(p.Language),
				Prompt:   p.Instructions,
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         p.TurnDetection.Threshold,
				PrefixPaddingMs:   p.TurnDetection.PrefixPaddingMs,
				SilenceDurationMs: p.TurnDetection.SilenceDurationMs,
			},
			InputAudioNoiseReduction: &noiseReduction{Type: "near_field"},
		},
	}
}

func audioFormat(encoding string) string {
	switch strings.ToUpper(encoding) {
	case "MULAW", "G711_ULAW":
		return "g711_ulaw"
	case "ALAW", "G711_ALAW":
		return "g711_alaw"
	default:
		return "pcm16"
	}
}

// language trims a BCP-47 tag to the ISO-639-1 code the API expects.
func language(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// Configure sends the session configuration. Must be called once before audio.
func (a *Adapter) Configure(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.closing {
		return errs.E(errs.CodeProtocol, "stt.openai.Configure", "connection not open", nil)
	}
	if a.configured {
		return errs.E(errs.CodeProtocol, "stt.openai.Configure", "already configured", nil)
	}
	if err := a.conn.WriteJSON(BuildSessionUpdate(p)); err != nil {
		return errs.E(errs.CodeUpstreamConnect, "stt.openai.Configure", "could not send configuration", err)
	}
	a.configured = true
	return nil
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SendAudio appends one frame to the provider's input buffer.
func (a *Adapter) SendAudio(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	ready := a.configured && !a.closing
	a.mu.Unlock()
	if !ready {
		return errs.E(errs.CodeProtocol, "stt.openai.SendAudio", "audio before configuration", nil)
	}
	msg := audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	if err := a.conn.WriteJSON(msg); err != nil {
		return errs.E(errs.CodeUpstreamConnect, "stt.openai.SendAudio", "could not write audio", err)
	}
	return nil
}

type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Logprobs   []struct {
		Logprob float64 `json:"logprob"`
	} `json:"logprobs"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closing := a.closing
			a.mu.Unlock()
			a.stream.Finish(stt.ReadErr(err, closing, "stt.openai.read"))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, ok, perr := a.decode(data)
		if perr != nil {
			a.logger.Warn().Err(perr).Msg("Malformed provider frame, closing upstream")
			a.stream.Finish(perr)
			_ = a.conn.Close()
			return
		}
		if ok {
			a.stream.Emit(ev)
		}
	}
}

// decode maps one provider frame to a normalized event.
func (a *Adapter) decode(data []byte) (stt.Event, bool, error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Event{}, false, errs.E(errs.CodeProtocol, "stt.openai.decode", "malformed provider frame", err)
	}

	switch msg.Type {
	case "conversation.item.input_audio_transcription.delta":
		text := a.partials[msg.ItemID] + msg.Delta
		a.partials[msg.ItemID] = text
		return transcriptEvent(text, false, 0), true, nil

	case "conversation.item.input_audio_transcription.completed":
		delete(a.partials, msg.ItemID)
		return transcriptEvent(msg.Transcript, true, confidence(msg)), true, nil

	case "input_audio_buffer.speech_started":
		return stt.Event{Type: stt.EventSpeechStarted}, true, nil

	case "input_audio_buffer.speech_stopped":
		return stt.Event{Type: stt.EventSpeechStopped}, true, nil

	case "error":
		message := "provider error"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		return stt.Event{
			Type: stt.EventError,
			Err:  errs.E(errs.CodeProtocol, "stt.openai", message, nil),
		}, true, nil

	default:
		// session.created, transcription_session.updated, input_audio_buffer.committed, ...
		return stt.Event{}, false, nil
	}
}

// confidence derives a score from token log-probabilities when the provider sends
// them. Without them a completed transcript is reported with full confidence.
func confidence(msg serverEvent) float64 {
	if len(msg.Logprobs) == 0 {
		return 1
	}
	var sum float64
	for _, lp := range msg.Logprobs {
		sum += lp.Logprob
	}
	mean := sum / float64(len(msg.Logprobs))
	return math.Min(1, math.Exp(mean))
}

func transcriptEvent(text string, final bool, conf float64) stt.Event {
	return stt.Event{
		Type: stt.EventTranscript,
		Transcript: models.TranscriptEvent{
			Text:       text,
			IsFinal:    final,
			Confidence: conf,
			Timestamp:  time.Now().UnixMilli(),
		},
	}
}

func (a *Adapter) Events() <-chan stt.Event { return a.stream.Events() }

func (a *Adapter) Err() error { return a.stream.Err() }

// Close sends a normal closure and releases the connection.
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
	if a.cancel != nil {
		a.cancel()
	}
	_ = conn.WriteClose()
	err := conn.Close()
	a.wg.Wait()
	return err
}
