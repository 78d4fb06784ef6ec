// Package stt defines the interface for upstream speech-to-text adapters.
package stt

import (
	"context"

	"speech-stream-proxy/internal/models"
)

// EventType classifies an upstream event.
type EventType int

const (
	// EventTranscript carries a normalized transcript fragment.
	EventTranscript EventType = iota
	// EventSpeechStarted marks the provider detecting speech onset.
	EventSpeechStarted
	// EventSpeechStopped marks the provider detecting the end of an utterance.
	EventSpeechStopped
	// EventError is a non-fatal error reported by the provider.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered by an adapter in provider order.
type Event struct {
	Type       EventType
	Transcript models.TranscriptEvent
	Err        error
}

// TurnDetection holds provider turn-detection thresholds.
type TurnDetection struct {
	Threshold           float64 // VAD activation threshold, 0..1
	PrefixPaddingMs     int
	SilenceDurationMs   int
	EndOfTurnConfidence float64
}

// Params is the configuration sent exactly once after a connection opens.
type Params struct {
	Model          string
	Language       string
	SampleRateHz   int
	AudioEncoding  string
	InterimResults bool
	Instructions   string // free-text behavioral instructions
	TurnDetection  TurnDetection
}

// DefaultParams returns sensible defaults for 16kHz mono PCM.
func DefaultParams() Params {
	return Params{
		Language:       "en-US",
		SampleRateHz:   16000,
		AudioEncoding:  "LINEAR16",
		InterimResults: true,
		TurnDetection: TurnDetection{
			Threshold:           0.5,
			PrefixPaddingMs:     300,
			SilenceDurationMs:   500,
			EndOfTurnConfidence: 0.7,
		},
	}
}

// Adapter is one upstream connection to a speech provider.
// A fresh Adapter is created for every connection attempt.
type Adapter interface {
	// Name identifies the provider.
	Name() string

	// Start opens the connection.
	Start(ctx context.Context) error

	// Configure sends provider configuration. Called once, before any audio.
	Configure(ctx context.Context, p Params) error

	// SendAudio forwards one audio frame.
	SendAudio(ctx context.Context, frame []byte) error

	// Events yields upstream events. It is closed when the connection ends.
	Events() <-chan Event

	// Err reports why the connection ended: nil for a graceful close.
	// Only meaningful after Events is closed.
	Err() error

	// Close ends the connection gracefully and releases resources.
	Close() error
}

// Factory creates adapters for one provider.
type Factory func() Adapter
