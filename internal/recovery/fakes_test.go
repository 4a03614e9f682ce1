package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testStart = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

var errIssuerDown = errors.New("recovery endpoint unavailable")

// fakeOperation 記錄 manager 對 Operation 的呼叫
type fakeOperation struct {
	mu            sync.Mutex
	failStart     bool
	nextID        types.RequestID
	requestID     types.RequestID
	running       bool
	startCalls    int
	resetCalls    int
	completeCalls int
	interrupts    []time.Time
}

func (o *fakeOperation) Start() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
	if o.failStart {
		o.requestID = 0
		o.running = false
		return false
	}
	o.nextID++
	o.requestID = o.nextID
	o.running = true
	return true
}

func (o *fakeOperation) Interrupt(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interrupts = append(o.interrupts, at)
}

func (o *fakeOperation) Fail(requestID types.RequestID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestID == 0 || requestID != o.requestID {
		return false
	}
	o.requestID = 0
	o.running = false
	return true
}

func (o *fakeOperation) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetCalls++
	o.requestID = 0
	o.running = false
}

func (o *fakeOperation) Complete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completeCalls++
	o.running = false
}

func (o *fakeOperation) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *fakeOperation) RequestID() (types.RequestID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requestID, o.requestID != 0
}

func (o *fakeOperation) calls() (start, reset, complete int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startCalls, o.resetCalls, o.completeCalls
}

// fakeTracker 由測試直接控制健康檢查結果
type fakeTracker struct {
	mu             sync.Mutex
	aliveViolation bool
	delayed        bool
	systemAlives   int
	userMessages   int
}

func (t *fakeTracker) ProcessSystemAlive(types.Message) {
	t.mu.Lock()
	t.systemAlives++
	t.mu.Unlock()
}

func (t *fakeTracker) ProcessUserMessage(types.MessageInterest, types.Message) {
	t.mu.Lock()
	t.userMessages++
	t.mu.Unlock()
}

func (t *fakeTracker) IsAliveViolation() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliveViolation
}

func (t *fakeTracker) HasDelayedMessages() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delayed
}

func (t *fakeTracker) set(aliveViolation, delayed bool) {
	t.mu.Lock()
	t.aliveViolation = aliveViolation
	t.delayed = delayed
	t.mu.Unlock()
}

// fakeIssuer 記錄 RecoveryOperation 發出的請求
type fakeIssuer struct {
	mu         sync.Mutex
	nextID     types.RequestID
	err        error
	fullCalls  int
	afterCalls []time.Time
	eventCalls []string
}

func (i *fakeIssuer) RequestFullRecovery(_ context.Context, _ *producer.Producer) (types.RequestID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fullCalls++
	if i.err != nil {
		return 0, i.err
	}
	i.nextID++
	return i.nextID, nil
}

func (i *fakeIssuer) RequestRecoveryAfterTimestamp(_ context.Context, _ *producer.Producer, after time.Time) (types.RequestID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.afterCalls = append(i.afterCalls, after)
	if i.err != nil {
		return 0, i.err
	}
	i.nextID++
	return i.nextID, nil
}

func (i *fakeIssuer) RequestEventRecovery(_ context.Context, _ *producer.Producer, eventID string) (types.RequestID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.eventCalls = append(i.eventCalls, eventID)
	if i.err != nil {
		return 0, i.err
	}
	i.nextID++
	return i.nextID, nil
}

func (i *fakeIssuer) setErr(err error) {
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()
}

func (i *fakeIssuer) counts() (full int, after []time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fullCalls, append([]time.Time(nil), i.afterCalls...)
}

// recorder 收集 manager 發出的通知
type recorder struct {
	mu      sync.Mutex
	changes []types.StatusChange
	events  []types.EventRecoveryCompletion
}

func (r *recorder) attach(m *Manager) {
	m.OnStatusChanged(func(c types.StatusChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	m.OnEventRecoveryCompleted(func(e types.EventRecoveryCompletion) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *recorder) transitions() []types.RecoveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RecoveryStatus, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.New)
	}
	return out
}

func (r *recorder) eventCompletions() []types.EventRecoveryCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.EventRecoveryCompletion(nil), r.events...)
}

func newTestProducer(t *testing.T, id types.ProducerID, maxRecovery time.Duration) *producer.Producer {
	t.Helper()
	p, err := producer.New(producer.Config{
		ID:              id,
		Name:            "test",
		APIPath:         "liveodds",
		MaxRecoveryTime: maxRecovery,
	})
	require.NoError(t, err)
	return p
}

// newFakeManager 使用 fake operation/tracker 建立 manager
func newFakeManager(t *testing.T, config Config) (*Manager, *fakeOperation, *fakeTracker, *clock.Mock, *recorder) {
	t.Helper()
	c := clock.NewMock(testStart)
	op := &fakeOperation{}
	tr := &fakeTracker{}
	m := NewManager(newTestProducer(t, 1, 20*time.Minute), op, tr, c, config)
	rec := &recorder{}
	rec.attach(m)
	return m, op, tr, c, rec
}

func aliveMsg(producerID types.ProducerID, subscribed bool, ts time.Time) types.Message {
	return types.Message{Kind: types.KindAlive, ProducerID: producerID, Subscribed: subscribed, Timestamp: ts}
}

func snapshotCompleteMsg(producerID types.ProducerID, requestID types.RequestID, ts time.Time) types.Message {
	return types.Message{Kind: types.KindSnapshotComplete, ProducerID: producerID, RequestID: requestID, Timestamp: ts}
}

func oddsChangeMsg(producerID types.ProducerID, ts time.Time) types.Message {
	return types.Message{Kind: types.KindOddsChange, ProducerID: producerID, Timestamp: ts, EventID: "sr:match:42"}
}
