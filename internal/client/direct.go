package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/service/sanitizer"
	"speech-stream-proxy/internal/service/stt"
)

// DirectTransport talks to a provider adapter in process, without the proxy.
// Transcripts go through the same cleaning pipeline the bridge applies; the
// pipeline keeps its context across reconnects.
type DirectTransport struct {
	factory  stt.Factory
	params   stt.Params
	pipeline *sanitizer.Pipeline
}

// NewDirectTransport creates a transport. checker may be nil.
func NewDirectTransport(factory stt.Factory, params stt.Params, opts sanitizer.Options, checker sanitizer.ContinuityChecker) *DirectTransport {
	return &DirectTransport{
		factory:  factory,
		params:   params,
		pipeline: sanitizer.NewPipeline(opts, checker),
	}
}

func (t *DirectTransport) Dial(ctx context.Context) (Conn, error) {
	a := t.factory()
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.Configure(ctx, t.params); err != nil {
		_ = a.Close()
		return nil, err
	}

	c := &directConn{adapter: a, events: make(chan Event, 64), closed: make(chan struct{})}
	go c.relay(t.pipeline)
	return c, nil
}

type directConn struct {
	adapter   stt.Adapter
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *directConn) relay(p *sanitizer.Pipeline) {
	defer close(c.events)
	ctx := context.Background()
	for ev := range c.adapter.Events() {
		switch ev.Type {
		case stt.EventTranscript:
			out, err := p.Process(ctx, ev.Transcript)
			if err != nil {
				if !errors.Is(err, sanitizer.ErrEmpty) {
					log.Debug().Err(err).Msg("Transcript rejected")
				}
				continue
			}
			c.emit(Event{Type: EventTranscript, Transcript: out})
		case stt.EventError:
			c.emit(errorEvent(ev.Err, false))
		}
	}
}

func (c *directConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *directConn) Send(frame []byte) error {
	return c.adapter.SendAudio(context.Background(), frame)
}

func (c *directConn) Events() <-chan Event { return c.events }

func (c *directConn) Err() error { return c.adapter.Err() }

func (c *directConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.adapter.Close()
}
