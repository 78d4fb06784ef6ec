// Package mock provides a mock STT adapter for running without provider credentials.
// It simulates realistic speech-to-text behavior with progressive partial transcripts,
// exactly one final transcript per utterance, and utterance boundary events.
package mock

import (
	"context"
	"sync"
	"time"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/service/stt"
)

// Name is the provider name used in configuration.
const Name = "mock"

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample lecture-style utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"um so", "um so the the force", "um so the the force, uh, equals"},
		Final:      "um so the the force, uh, equals mass times acceleration right",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"and if", "and if the mass", "and if the mass doubles"},
		Final:      "and if the mass doubles the acceleration is halved",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"uh this", "uh this is newton's"},
		Final:      "uh this is newton's second law",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"you know", "you know momentum is", "you know momentum is mass"},
		Final:      "you know momentum is mass times velocity",
		Confidence: 0.89,
	},
}

// utteranceCounter tracks which utterance a new adapter starts on.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Adapter implements stt.Adapter with simulated responses.
// One partial is produced per audio frame. When the partials of an utterance run
// out, the next frame produces the final followed by a speech-stopped boundary, and
// the adapter moves on to the next utterance.
type Adapter struct {
	mu           sync.Mutex
	utterances   []SimulatedUtterance
	current      int
	partialIndex int
	configured   bool
	started      bool
	closed       bool
	latency      time.Duration

	audioReceived int
	params        stt.Params

	stream  *stt.Stream
	pending chan stt.Event
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a new mock STT adapter that cycles through DefaultUtterances.
func New() *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	a := NewWithUtterances(DefaultUtterances, 50*time.Millisecond)
	a.current = idx
	return a
}

// NewWithUtterances creates an adapter with a fixed script and simulated latency.
func NewWithUtterances(utterances []SimulatedUtterance, latency time.Duration) *Adapter {
	return &Adapter{
		utterances: utterances,
		latency:    latency,
		stream:     stt.NewStream(64),
		pending:    make(chan stt.Event, 256),
		stop:       make(chan struct{}),
	}
}

// Factory returns an stt.Factory producing mock adapters.
func Factory() stt.Factory {
	return func() stt.Adapter { return New() }
}

func (a *Adapter) Name() string { return Name }

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errs.E(errs.CodeInternal, "stt.mock.Start", "adapter already started", nil)
	}
	a.started = true
	a.wg.Add(1)
	go a.deliver()
	return nil
}

// Configure records params. It must precede any audio.
func (a *Adapter) Configure(ctx context.Context, p stt.Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.closed {
		return errs.E(errs.CodeProtocol, "stt.mock.Configure", "connection not open", nil)
	}
	if a.configured {
		return errs.E(errs.CodeProtocol, "stt.mock.Configure", "already configured", nil)
	}
	a.configured = true
	a.params = p
	return nil
}

// SendAudio simulates receiving audio and schedules the next transcript event.
func (a *Adapter) SendAudio(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errs.E(errs.CodeUpstreamConnect, "stt.mock.SendAudio", "connection closed", nil)
	}
	if !a.configured {
		return errs.E(errs.CodeProtocol, "stt.mock.SendAudio", "audio before configuration", nil)
	}
	a.audioReceived++
	if len(a.utterances) == 0 {
		return nil
	}

	utt := a.utterances[a.current%len(a.utterances)]
	if a.partialIndex < len(utt.Partials) {
		a.enqueue(transcript(utt.Partials[a.partialIndex], false, 0))
		a.partialIndex++
		return nil
	}

	// All partials sent - simulate silence detection ending the utterance
	a.enqueue(transcript(utt.Final, true, utt.Confidence))
	a.enqueue(stt.Event{Type: stt.EventSpeechStopped})
	a.current++
	a.partialIndex = 0
	return nil
}

func (a *Adapter) enqueue(ev stt.Event) {
	select {
	case a.pending <- ev:
	default:
	}
}

func (a *Adapter) deliver() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case ev := <-a.pending:
			if a.latency > 0 {
				select {
				case <-time.After(a.latency):
				case <-a.stop:
					return
				}
			}
			a.stream.Emit(ev)
		}
	}
}

func (a *Adapter) Events() <-chan stt.Event { return a.stream.Events() }

func (a *Adapter) Err() error { return a.stream.Err() }

// Close ends the mock session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.mu.Unlock()

	a.stream.Abandon()
	if started {
		close(a.stop)
		a.wg.Wait()
	}
	a.stream.Finish(nil)
	return nil
}

// AudioReceived returns the number of frames received.
func (a *Adapter) AudioReceived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioReceived
}

// Params returns the configuration received.
func (a *Adapter) Params() stt.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

func transcript(text string, final bool, confidence float64) stt.Event {
	return stt.Event{
		Type: stt.EventTranscript,
		Transcript: models.TranscriptEvent{
			Text:       text,
			IsFinal:    final,
			Confidence: confidence,
			Timestamp:  time.Now().UnixMilli(),
		},
	}
}
