package issuer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// Sent describes one request recorded by a Logging issuer.
type Sent struct {
	Kind      string
	Producer  types.ProducerID
	RequestID types.RequestID
	After     time.Time
	EventID   string
}

// Logging allocates request ids and logs requests without sending them.
// Used by replay runs and dry runs.
type Logging struct {
	nextID atomic.Int64

	mu   sync.Mutex
	sent []Sent
}

// NewLogging creates a Logging issuer whose first request id is start+1.
func NewLogging(start int64) *Logging {
	l := &Logging{}
	l.nextID.Store(start)
	return l
}

func (l *Logging) record(s Sent) types.RequestID {
	s.RequestID = types.RequestID(l.nextID.Add(1))
	l.mu.Lock()
	l.sent = append(l.sent, s)
	l.mu.Unlock()

	log.Info("Recovery request (not sent)",
		"producer", s.Producer,
		"kind", s.Kind,
		"request_id", s.RequestID,
		"after", s.After,
		"event", s.EventID)
	return s.RequestID
}

// RequestFullRecovery records a full recovery.
func (l *Logging) RequestFullRecovery(_ context.Context, p *producer.Producer) (types.RequestID, error) {
	return l.record(Sent{Kind: KindFull, Producer: p.ID()}), nil
}

// RequestRecoveryAfterTimestamp records an after-timestamp recovery.
func (l *Logging) RequestRecoveryAfterTimestamp(_ context.Context, p *producer.Producer, after time.Time) (types.RequestID, error) {
	return l.record(Sent{Kind: KindAfter, Producer: p.ID(), After: after}), nil
}

// RequestEventRecovery records an event recovery.
func (l *Logging) RequestEventRecovery(_ context.Context, p *producer.Producer, eventID string) (types.RequestID, error) {
	if eventID == "" {
		return 0, ErrEmptyEventID
	}
	return l.record(Sent{Kind: KindEvent, Producer: p.ID(), EventID: eventID}), nil
}

// Sent returns a copy of every recorded request.
func (l *Logging) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}
