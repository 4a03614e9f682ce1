// Package clock provides the time source used by every timing decision in the
// recovery state machine. Components receive a Clock at construction and never
// call time.Now directly, so tests can drive the protocol with a Mock.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

// Mock is a manually driven Clock. It is safe for concurrent use.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock creates a Mock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is allowed.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Mock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
