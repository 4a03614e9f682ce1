// ============================================================================
// Recovery 協作介面
// ============================================================================
//
// Package: internal/recovery
// File: interfaces.go
// Purpose: Abstractions the state machine depends on.
//
//   - RequestIssuer / EventRecoveryIssuer: issue recovery requests upstream
//     (the HTTP implementation lives in internal/issuer).
//   - Operation: one producer's outstanding recovery attempt.
//   - Tracker: the freshness ledger (internal/tracker).
//
// Keeping Operation and Tracker as interfaces lets the manager be tested with
// fakes, independent of timing and HTTP.
//
// ============================================================================

package recovery

import (
	"context"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// RequestIssuer issues producer-wide recovery requests.
// Implementations must not block on the network: the request id is returned as
// soon as the request has been accepted for delivery.
type RequestIssuer interface {
	// RequestFullRecovery asks upstream to replay the producer's full state.
	RequestFullRecovery(ctx context.Context, p *producer.Producer) (types.RequestID, error)

	// RequestRecoveryAfterTimestamp asks upstream to replay everything after the
	// given instant.
	RequestRecoveryAfterTimestamp(ctx context.Context, p *producer.Producer, after time.Time) (types.RequestID, error)
}

// EventRecoveryIssuer issues recoveries limited to a single sport event.
type EventRecoveryIssuer interface {
	RequestEventRecovery(ctx context.Context, p *producer.Producer, eventID string) (types.RequestID, error)
}

// FailureNotifier is implemented by issuers that deliver requests
// asynchronously. The callback runs when upstream rejects a request whose id
// was already returned, and must not be invoked from inside a Request* call.
type FailureNotifier interface {
	OnRequestFailed(fn func(producerID types.ProducerID, requestID types.RequestID, err error))
}

// Operation is one producer's recovery attempt as seen by the manager.
type Operation interface {
	// Start issues a new request and reports whether it was accepted.
	Start() bool
	// Interrupt sets the anchor for the next Start. The outstanding request
	// keeps its id and stays running; its snapshot_complete is still honoured.
	Interrupt(at time.Time)
	// Fail drops the outstanding request when its delivery failed upstream.
	// It reports false when requestID is not the current request.
	Fail(requestID types.RequestID) bool
	// Reset discards the request id, the anchor and the running flag.
	Reset()
	// Complete marks the current attempt as finished.
	Complete()
	IsRunning() bool
	RequestID() (types.RequestID, bool)
}

// Tracker is the freshness ledger consulted by the manager.
type Tracker interface {
	ProcessSystemAlive(msg types.Message)
	ProcessUserMessage(interest types.MessageInterest, msg types.Message)
	IsAliveViolation() bool
	HasDelayedMessages() bool
}
