// Package audio provides the bounded frame queue that sits between the inbound
// leg of a session and its upstream adapter.
package audio

import (
	"sync"

	"speech-stream-proxy/internal/models"
)

// Limits bounds the audio a session may hold while its upstream is not writable.
// These prevent unbounded resource usage while the provider is unreachable.
type Limits struct {
	MaxFrames int   // Max queued frames, 0 disables buffering
	MaxBytes  int64 // Max queued bytes, 0 means no byte bound
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFrames: 500,             // ~50s of 100ms frames
		MaxBytes:  5 * 1024 * 1024, // 5MB (~160 seconds at 16kHz 16-bit mono)
	}
}

// Queue is a FIFO of audio frames with drop-oldest overflow.
// Push never blocks, so a slow or absent upstream cannot stall the inbound reader.
type Queue struct {
	mu      sync.Mutex
	frames  []models.AudioFrame
	bytes   int64
	limits  Limits
	nextSeq uint64
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue(limits Limits) *Queue {
	return &Queue{
		limits: limits,
		notify: make(chan struct{}, 1),
	}
}

// Push appends data and returns how many old frames were evicted to make room.
// Frames pushed after Close are ignored.
func (q *Queue) Push(data []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	frame := models.AudioFrame{Seq: q.nextSeq, Data: data}
	q.nextSeq++

	if q.limits.MaxFrames <= 0 {
		q.dropped++
		return 1
	}

	q.frames = append(q.frames, frame)
	q.bytes += int64(len(data))
	evicted := q.evictLocked()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Requeue puts unsent frames back at the head, preserving their order.
func (q *Queue) Requeue(frames []models.AudioFrame) int {
	if len(frames) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.limits.MaxFrames <= 0 {
		return 0
	}
	merged := make([]models.AudioFrame, 0, len(frames)+len(q.frames))
	merged = append(merged, frames...)
	merged = append(merged, q.frames...)
	q.frames = merged
	for _, f := range frames {
		q.bytes += int64(len(f.Data))
	}
	evicted := q.evictLocked()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (q *Queue) evictLocked() int {
	evicted := 0
	for len(q.frames) > 0 && q.overLimitLocked() {
		q.bytes -= int64(len(q.frames[0].Data))
		q.frames[0] = models.AudioFrame{}
		q.frames = q.frames[1:]
		evicted++
	}
	q.dropped += uint64(evicted)
	return evicted
}

func (q *Queue) overLimitLocked() bool {
	if len(q.frames) > q.limits.MaxFrames {
		return true
	}
	return q.limits.MaxBytes > 0 && q.bytes > q.limits.MaxBytes
}

// Drain removes and returns every queued frame in arrival order.
func (q *Queue) Drain() []models.AudioFrame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = nil
	q.bytes = 0
	return out
}

// Notify fires after a Push or Requeue. It may coalesce several pushes.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Bytes returns the number of queued bytes.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Dropped returns the total number of frames discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close discards queued frames and rejects further pushes. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
	q.bytes = 0
}
