package stt

import (
	"sync"
)

// Stream is the event channel shared by adapter implementations.
// Emit may be called from several goroutines. Finish closes the channel once.
type Stream struct {
	ch       chan Event
	mu       sync.RWMutex
	finished bool
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// NewStream creates a stream with the given channel buffer.
func NewStream(buffer int) *Stream {
	return &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Emit delivers ev unless the stream is finished or abandoned.
func (s *Stream) Emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Finish records the close reason and closes the channel. Later calls are no-ops.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.ch)
}

// Abandon unblocks pending emitters once the consumer stops reading.
func (s *Stream) Abandon() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Err returns the reason passed to Finish.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
