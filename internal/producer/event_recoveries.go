package producer

import (
	"sync"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// EventRecoveries maps outstanding event-scoped recovery request ids to the event
// they target. Entries are removed exactly once, when the matching
// snapshot_complete arrives.
type EventRecoveries struct {
	mu      sync.Mutex
	pending map[types.RequestID]string
}

// NewEventRecoveries creates an empty mapping.
func NewEventRecoveries() *EventRecoveries {
	return &EventRecoveries{
		pending: make(map[types.RequestID]string),
	}
}

// TryAdd registers requestID → eventID. It returns false if the request id is
// zero or already registered.
func (e *EventRecoveries) TryAdd(requestID types.RequestID, eventID string) bool {
	if requestID == 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.pending[requestID]; exists {
		return false
	}
	e.pending[requestID] = eventID
	return true
}

// Remove deletes and returns the event registered for requestID.
func (e *EventRecoveries) Remove(requestID types.RequestID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	eventID, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return eventID, ok
}

// Get returns the event registered for requestID without removing it.
func (e *EventRecoveries) Get(requestID types.RequestID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	eventID, ok := e.pending[requestID]
	return eventID, ok
}

// Len returns the number of outstanding event recoveries.
func (e *EventRecoveries) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
