// Package models defines the data structures exchanged on both legs of a session.
package models

// Wire message types sent to and from the caller.
const (
	TypeTranscript     = "transcript"
	TypeError          = "error"
	TypeSessionCreated = "session.created"
	TypeSessionClose   = "session.close"
)

// TranscriptEvent is a normalized transcript fragment produced by an upstream adapter.
type TranscriptEvent struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Timestamp  int64   `json:"timestamp" validate:"gte=0"`
}

// AudioFrame is one captured audio chunk. Seq is its arrival index within a session.
type AudioFrame struct {
	Seq  uint64
	Data []byte
}

// ControlMessage is a JSON text frame sent by the caller.
type ControlMessage struct {
	Type string `json:"type" validate:"required,oneof=session.close"`
}

// OutboundMessage is a JSON text frame sent to the caller.
// Only the fields relevant to Type are populated.
type OutboundMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"sessionId,omitempty"`
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
	Terminal   bool    `json:"terminal,omitempty"`
}

// TranscriptMessage wraps ev for the caller.
func TranscriptMessage(ev TranscriptEvent) OutboundMessage {
	return OutboundMessage{
		Type:       TypeTranscript,
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp,
	}
}

// ErrorMessage builds a typed error event.
func ErrorMessage(code, message string, terminal bool) OutboundMessage {
	return OutboundMessage{
		Type:     TypeError,
		Error:    message,
		Code:     code,
		Terminal: terminal,
	}
}

// Transcript returns the transcript carried by m.
func (m OutboundMessage) Transcript() TranscriptEvent {
	return TranscriptEvent{
		Text:       m.Text,
		IsFinal:    m.IsFinal,
		Confidence: m.Confidence,
		Timestamp:  m.Timestamp,
	}
}

// TranscriptRecord is the envelope published to the transcript sink.
type TranscriptRecord struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Provider   string  `json:"provider"`
	Topic      string  `json:"topic,omitempty"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

const (
	EventTypePartial = "session.transcript.partial"
	EventTypeFinal   = "session.transcript.final"
)

// NewTranscriptRecord builds the sink envelope for ev.
func NewTranscriptRecord(sessionID, provider, topic string, ev TranscriptEvent) TranscriptRecord {
	eventType := EventTypePartial
	if ev.IsFinal {
		eventType = EventTypeFinal
	}
	return TranscriptRecord{
		EventType:  eventType,
		SessionID:  sessionID,
		Provider:   provider,
		Topic:      topic,
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp,
	}
}
