// Package backoff implements the reconnection schedule shared by both session legs.
package backoff

import (
	"sync"
	"time"
)

// Policy describes an exponential reconnect schedule.
// Delay for attempt k (1-based) is Base * 2^(k-1). After MaxAttempts failures the
// session gives up.
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the schedule used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before reconnect attempt k.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Exhausted reports whether attempt exceeds the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// State tracks reconnection progress for one session.
// Reset on every successful connection, advanced on every failure.
type State struct {
	mu        sync.Mutex
	policy    Policy
	attempt   int
	nextDelay time.Duration
}

// NewState creates reconnection state for policy.
func NewState(policy Policy) *State {
	return &State{policy: policy}
}

// Fail records a failure. It returns the delay before the next attempt and false
// once the ceiling is exceeded.
func (s *State) Fail() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempt++
	if s.policy.Exhausted(s.attempt) {
		s.nextDelay = 0
		return 0, false
	}
	s.nextDelay = s.policy.Delay(s.attempt)
	return s.nextDelay, true
}

// Reset clears the counter after a successful connection.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	s.nextDelay = 0
}

// Attempt returns the number of consecutive failures.
func (s *State) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// NextDelay returns the delay scheduled by the last Fail.
func (s *State) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelay
}

// MaxAttempts returns the ceiling.
func (s *State) MaxAttempts() int {
	return s.policy.MaxAttempts
}
