package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/service/stt"
)

var upgrader = websocket.Upgrader{}

// fakeRealtime runs script against each accepted connection.
func fakeRealtime(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, a stt.Adapter) []stt.Event {
	t.Helper()
	var out []stt.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events to close")
		}
	}
}

func TestAdapter_ConfigureFirstThenAudioThenTranscripts(t *testing.T) {
	received := make(chan []map[string]any, 1)
	url := fakeRealtime(t, func(conn *websocket.Conn) {
		var msgs []map[string]any
		for i := 0; i < 3; i++ {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs = append(msgs, m)
		}
		received <- msgs

		_ = conn.WriteJSON(map[string]any{"type": "input_audio_buffer.speech_started"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.delta", "item_id": "i1", "delta": "Hel"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.delta", "item_id": "i1", "delta": "lo"})
		_ = conn.WriteJSON(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "i1", "transcript": "Hello world"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	})

	a := New(Config{URL: url, APIKey: "test-key"})
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	p := stt.DefaultParams()
	p.Instructions = "physics lecture"
	if err := a.Configure(ctx, p); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_ = a.SendAudio(ctx, []byte{1, 2})
	_ = a.SendAudio(ctx, []byte{3, 4})

	msgs := <-received
	if msgs[0]["type"] != "transcription_session.update" {
		t.Fatalf("expected configuration first, got %v", msgs[0]["type"])
	}
	session := msgs[0]["session"].(map[string]any)
	tr := session["input_audio_transcription"].(map[string]any)
	if tr["prompt"] != "physics lecture" || tr["language"] != "en" {
		t.Errorf("unexpected transcription config: %v", tr)
	}
	for i, want := range [][]byte{{1, 2}, {3, 4}} {
		m := msgs[i+1]
		if m["type"] != "input_audio_buffer.append" {
			t.Fatalf("message %d: expected append, got %v", i+1, m["type"])
		}
		got, _ := base64.StdEncoding.DecodeString(m["audio"].(string))
		if string(got) != string(want) {
			t.Errorf("frame %d out of order: %v", i, got)
		}
	}

	events := collect(t, a)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != stt.EventSpeechStarted {
		t.Errorf("expected speech started first, got %v", events[0].Type)
	}
	if events[1].Transcript.Text != "Hel" || events[2].Transcript.Text != "Hello" || events[2].Transcript.IsFinal {
		t.Errorf("expected accumulated partials, got %q %q", events[1].Transcript.Text, events[2].Transcript.Text)
	}
	if !events[3].Transcript.IsFinal || events[3].Transcript.Text != "Hello world" || events[3].Transcript.Confidence != 1 {
		t.Errorf("unexpected final: %+v", events[3].Transcript)
	}
	if a.Err() != nil {
		t.Errorf("expected graceful close, got %v", a.Err())
	}
}

func TestAdapter_RejectedCredentials(t *testing.T) {
	url := fakeRealtime(t, func(conn *websocket.Conn) {})

	a := New(Config{URL: url, APIKey: "wrong"})
	err := a.Start(context.Background())
	if !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if errs.Terminal(err) != true {
		t.Error("credential rejection should be terminal")
	}
}

func TestAdapter_MalformedFrameClosesWithProtocolError(t *testing.T) {
	url := fakeRealtime(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		time.Sleep(100 * time.Millisecond)
	})

	a := New(Config{URL: url, APIKey: "test-key"})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	collect(t, a)
	if !errs.IsCode(a.Err(), errs.CodeProtocol) {
		t.Errorf("expected protocol error, got %v", a.Err())
	}
}

func TestAdapter_ProviderErrorEventIsForwarded(t *testing.T) {
	url := fakeRealtime(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"message": "invalid audio format"}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
		time.Sleep(50 * time.Millisecond)
	})

	a := New(Config{URL: url, APIKey: "test-key"})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	events := collect(t, a)
	if len(events) != 1 || events[0].Type != stt.EventError {
		t.Fatalf("expected one error event, got %+v", events)
	}
	if errs.SafeMessage(events[0].Err) != "invalid audio format" {
		t.Errorf("unexpected message %q", errs.SafeMessage(events[0].Err))
	}
	if a.Err() == nil {
		t.Error("expected abnormal closure to be reported")
	}
}

func TestAdapter_AudioBeforeConfigure(t *testing.T) {
	a := New(Config{})
	err := a.SendAudio(context.Background(), []byte{1})
	if !errs.IsCode(err, errs.CodeProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestBuildSessionUpdate(t *testing.T) {
	p := stt.DefaultParams()
	p.AudioEncoding = "MULAW"
	raw, _ := json.Marshal(BuildSessionUpdate(p))

	var m struct {
		Session struct {
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Session.InputAudioFormat != "g711_ulaw" {
		t.Errorf("expected g711_ulaw, got %s", m.Session.InputAudioFormat)
	}
	if m.Session.InputAudioTranscription.Model != DefaultModel {
		t.Errorf("expected default model, got %s", m.Session.InputAudioTranscription.Model)
	}
	if m.Session.TurnDetection.Type != "server_vad" || m.Session.TurnDetection.Threshold != 0.5 || m.Session.TurnDetection.SilenceDurationMs != 500 {
		t.Errorf("unexpected turn detection: %+v", m.Session.TurnDetection)
	}
}

func TestConfidence_FromLogprobs(t *testing.T) {
	msg := serverEvent{}
	if confidence(msg) != 1 {
		t.Error("expected full confidence without logprobs")
	}
	msg.Logprobs = append(msg.Logprobs, struct {
		Logprob float64 `json:"logprob"`
	}{Logprob: 0})
	if confidence(msg) != 1 {
		t.Error("expected logprob 0 to give confidence 1")
	}
	msg.Logprobs[0].Logprob = -0.7
	if c := confidence(msg); c <= 0.4 || c >= 0.6 {
		t.Errorf("expected ~0.5, got %v", c)
	}
}
