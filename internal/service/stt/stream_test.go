package stt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-stream-proxy/internal/errs"
)

func TestStream_EmitThenFinish(t *testing.T) {
	s := NewStream(4)

	s.Emit(Event{Type: EventSpeechStarted})
	s.Emit(Event{Type: EventSpeechStopped})
	s.Finish(errors.New("boom"))
	s.Finish(nil)

	var got []EventType
	for ev := range s.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != EventSpeechStarted || got[1] != EventSpeechStopped {
		t.Errorf("unexpected events: %v", got)
	}
	if s.Err() == nil || s.Err().Error() != "boom" {
		t.Errorf("expected first finish error to win, got %v", s.Err())
	}
	if s.Emit(Event{}) {
		t.Error("expected Emit after Finish to report false")
	}
}

func TestStream_AbandonUnblocksEmitters(t *testing.T) {
	s := NewStream(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Emit(Event{Type: EventTranscript})
	}()

	time.Sleep(20 * time.Millisecond)
	s.Abandon()
	s.Abandon()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.Finish(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter stayed blocked after Abandon")
	}
}

func TestReadErr(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	policy := &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "bad key"}

	if err := ReadErr(normal, false, "op"); err != nil {
		t.Errorf("expected nil for normal closure, got %v", err)
	}
	if err := ReadErr(abnormal, true, "op"); err != nil {
		t.Errorf("expected nil while closing, got %v", err)
	}
	if err := ReadErr(abnormal, false, "op"); !errs.IsCode(err, errs.CodeUpstreamConnect) {
		t.Errorf("expected upstream connect error, got %v", err)
	}
	err := ReadErr(policy, false, "op")
	if !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
	if msg := errs.SafeMessage(err); strings.Contains(msg, "bad key") {
		t.Errorf("provider close text leaked to caller: %q", msg)
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("provider close text missing from wrapped error: %v", err)
	}
}

func TestEventType_String(t *testing.T) {
	if EventTranscript.String() != "transcript" || EventType(42).String() != "unknown" {
		t.Error("unexpected EventType strings")
	}
}
