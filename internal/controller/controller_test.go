package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/snapshot"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/storage/wal"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testStart = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu         sync.Mutex
	registered []types.ProducerID
	changes    []types.StatusChange
	events     []types.EventRecoveryCompletion
}

func (o *recordingObserver) RegisterProducer(p *producer.Producer) {
	o.mu.Lock()
	o.registered = append(o.registered, p.ID())
	o.mu.Unlock()
}

func (o *recordingObserver) RecordStatusChange(change types.StatusChange) {
	o.mu.Lock()
	o.changes = append(o.changes, change)
	o.mu.Unlock()
}

func (o *recordingObserver) RecordEventRecoveryCompleted(e types.EventRecoveryCompletion) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) transitions() []types.RecoveryStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.RecoveryStatus, 0, len(o.changes))
	for _, c := range o.changes {
		out = append(out, c.New)
	}
	return out
}

func testProducers() []ProducerConfig {
	rc := recovery.Config{AliveViolationTimeout: 30 * time.Second, MaxMessageAge: 20 * time.Second}
	return []ProducerConfig{
		{Producer: producer.Config{ID: 3, Name: "ctrl", APIPath: "pre", MaxRecoveryTime: time.Hour}, Recovery: rc},
		{Producer: producer.Config{ID: 1, Name: "lo", APIPath: "liveodds", MaxRecoveryTime: 20 * time.Minute}, Recovery: rc},
	}
}

type testEnv struct {
	ctrl     *Controller
	issuer   *issuer.Logging
	clock    *clock.Mock
	observer *recordingObserver
}

func newTestEnv(t *testing.T, config Config, c *clock.Mock, startID int64) *testEnv {
	t.Helper()
	if config.Producers == nil {
		config.Producers = testProducers()
	}
	iss := issuer.NewLogging(startID)
	obs := &recordingObserver{}
	ctrl, err := NewController(config, iss, c, WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)
	return &testEnv{ctrl: ctrl, issuer: iss, clock: c, observer: obs}
}

func alive(id types.ProducerID, subscribed bool, ts time.Time) types.Message {
	return types.Message{Kind: types.KindAlive, ProducerID: id, Timestamp: ts, Subscribed: subscribed}
}

func snapshotComplete(id types.ProducerID, requestID types.RequestID, ts time.Time) types.Message {
	return types.Message{Kind: types.KindSnapshotComplete, ProducerID: id, RequestID: requestID, Timestamp: ts}
}

// recover 讓 producer 走完 alive → snapshot_complete，返回使用的 request ID
func (e *testEnv) recover(t *testing.T, id types.ProducerID) types.RequestID {
	t.Helper()
	require.NoError(t, e.ctrl.ProcessSystemMessage(alive(id, true, e.clock.Now())))
	sent := e.issuer.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	require.Equal(t, id, last.Producer)

	require.NoError(t, e.ctrl.ProcessUserMessage(snapshotComplete(id, last.RequestID, e.clock.Now()), types.InterestAll))
	st, err := e.ctrl.Status(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, st.Status)
	return last.RequestID
}

// ============================================================================
// 建構
// ============================================================================

func TestNewControllerValidation(t *testing.T) {
	c := clock.NewMock(testStart)

	_, err := NewController(Config{}, issuer.NewLogging(0), c)
	assert.ErrorIs(t, err, ErrNoProducers)

	dup := append(testProducers(), testProducers()[0])
	_, err = NewController(Config{Producers: dup}, issuer.NewLogging(0), c)
	assert.ErrorIs(t, err, ErrDuplicateProducer)

	bad := []ProducerConfig{{Producer: producer.Config{ID: 1}}}
	_, err = NewController(Config{Producers: bad}, issuer.NewLogging(0), c)
	assert.ErrorIs(t, err, producer.ErrInvalidMaxRecoveryTime)
}

func TestObserversRegisterProducers(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	assert.Equal(t, []types.ProducerID{1, 3}, env.observer.registered)
}

func TestStartTwice(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	assert.ErrorIs(t, env.ctrl.Start(), ErrAlreadyStarted)
}

func TestStopTwice(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	env.ctrl.Stop()
	env.ctrl.Stop()
}

// ============================================================================
// 路由
// ============================================================================

func TestUnknownProducer(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)

	assert.ErrorIs(t, env.ctrl.ProcessSystemMessage(alive(99, true, testStart)), ErrUnknownProducer)
	assert.ErrorIs(t, env.ctrl.ProcessUserMessage(snapshotComplete(99, 1, testStart), types.InterestAll), ErrUnknownProducer)

	_, err := env.ctrl.Status(99)
	assert.ErrorIs(t, err, ErrUnknownProducer)

	_, err = env.ctrl.RequestEventRecovery(context.Background(), 99, "sr:match:1")
	assert.ErrorIs(t, err, ErrUnknownProducer)
}

func TestRoutesToSingleProducer(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)

	env.recover(t, 1)

	statuses := env.ctrl.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, types.ProducerID(1), statuses[0].ID)
	assert.Equal(t, "lo", statuses[0].Name)
	assert.Equal(t, types.StatusCompleted, statuses[0].Status)
	assert.Equal(t, testStart, statuses[0].LastConfirmedAlive)
	assert.Equal(t, types.ProducerID(3), statuses[1].ID)
	assert.Equal(t, types.StatusNotStarted, statuses[1].Status)

	sent := env.issuer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, issuer.KindFull, sent[0].Kind)
	assert.Equal(t, types.RequestID(1), sent[0].RequestID)

	assert.Equal(t, []types.RecoveryStatus{types.StatusStarted, types.StatusCompleted}, env.observer.transitions())
}

// notifyingIssuer 由測試直接觸發非同步的失敗回報
type notifyingIssuer struct {
	*issuer.Logging
	mu       sync.Mutex
	onFailed func(types.ProducerID, types.RequestID, error)
}

func (n *notifyingIssuer) OnRequestFailed(fn func(types.ProducerID, types.RequestID, error)) {
	n.mu.Lock()
	n.onFailed = fn
	n.mu.Unlock()
}

func (n *notifyingIssuer) fail(id types.ProducerID, requestID types.RequestID) {
	n.mu.Lock()
	fn := n.onFailed
	n.mu.Unlock()
	fn(id, requestID, errors.New("upstream returned 500"))
}

func TestIssuerFailureIsRoutedToProducer(t *testing.T) {
	iss := &notifyingIssuer{Logging: issuer.NewLogging(0)}
	c := clock.NewMock(testStart)
	ctrl, err := NewController(Config{Producers: testProducers()}, iss, c)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	require.NoError(t, ctrl.ProcessSystemMessage(alive(1, true, testStart)))
	require.Len(t, iss.Sent(), 1)

	iss.fail(1, 1)
	iss.fail(99, 7)

	require.NoError(t, ctrl.ProcessSystemMessage(alive(1, true, c.Advance(time.Second))))
	sent := iss.Sent()
	require.Len(t, sent, 2, "failed request is re-issued on the next alive")
	assert.Equal(t, types.ProducerID(1), sent[1].Producer)
	assert.Equal(t, types.RequestID(2), sent[1].RequestID)

	require.NoError(t, ctrl.ProcessUserMessage(snapshotComplete(1, 2, c.Now()), types.InterestAll))
	st, err := ctrl.Status(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, st.Status)
}

func TestCheckStatusesDetectsAliveViolation(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	env.recover(t, 1)

	env.clock.Advance(31 * time.Second)
	env.ctrl.CheckStatuses()

	st, err := env.ctrl.Status(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, st.Status)
}

func TestCheckLoopRunsOnInterval(t *testing.T) {
	env := newTestEnv(t, Config{CheckInterval: 10 * time.Millisecond}, clock.NewMock(testStart), 0)
	env.recover(t, 1)

	env.clock.Advance(31 * time.Second)
	assert.Eventually(t, func() bool {
		st, _ := env.ctrl.Status(1)
		return st.Status == types.StatusError
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// 連線事件
// ============================================================================

func TestConnectionShutdownAnchorsNextRecovery(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	env.recover(t, 1)

	env.clock.Advance(5 * time.Second)
	confirmed := env.clock.Now()
	require.NoError(t, env.ctrl.ProcessSystemMessage(alive(1, true, confirmed)))

	env.ctrl.ConnectionShutdown()
	for _, st := range env.ctrl.Statuses() {
		assert.Equal(t, types.StatusError, st.Status)
		assert.True(t, st.ConnectionDown)
	}

	env.ctrl.ConnectionRecovered()
	st, err := env.ctrl.Status(1)
	require.NoError(t, err)
	assert.False(t, st.ConnectionDown)
	assert.Equal(t, types.StatusError, st.Status, "stays in error until an alive arrives")

	env.clock.Advance(time.Minute)
	require.NoError(t, env.ctrl.ProcessSystemMessage(alive(1, true, env.clock.Now())))

	sent := env.issuer.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, issuer.KindAfter, sent[1].Kind)
	assert.Equal(t, confirmed, sent[1].After)
}

func TestConnectionShutdownKeepsEarlierPendingTimestamp(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	env.recover(t, 1)

	p := env.ctrl.managers[1].Producer()
	earlier := testStart.Add(-time.Minute)
	p.SetLastTimestampBeforeDisconnect(earlier)

	env.ctrl.ConnectionShutdown()

	got, ok := p.LastTimestampBeforeDisconnect()
	require.True(t, ok)
	assert.Equal(t, earlier, got)
}

// ============================================================================
// 賽事 recovery
// ============================================================================

func TestEventRecoveryNotifiesObservers(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)

	requestID, err := env.ctrl.RequestEventRecovery(context.Background(), 3, "sr:match:42")
	require.NoError(t, err)

	st, err := env.ctrl.Status(3)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingEventRecoveries)

	require.NoError(t, env.ctrl.ProcessUserMessage(snapshotComplete(3, requestID, testStart), types.InterestPrematch))

	require.Len(t, env.observer.events, 1)
	assert.Equal(t, types.EventRecoveryCompletion{ProducerID: 3, RequestID: requestID, EventID: "sr:match:42"}, env.observer.events[0])

	st, err = env.ctrl.Status(3)
	require.NoError(t, err)
	assert.Zero(t, st.PendingEventRecoveries)
	assert.Equal(t, types.StatusNotStarted, st.Status)
}

// ============================================================================
// 持久化與重啟
// ============================================================================

func persistentConfig(dir string) Config {
	return Config{
		SnapshotPath: filepath.Join(dir, "producers.json"),
		WALPath:      filepath.Join(dir, "wal", "producers.wal"),
		SyncWAL:      true,
	}
}

func TestStopWritesSnapshotAndRotatesWAL(t *testing.T) {
	dir := t.TempDir()
	config := persistentConfig(dir)
	env := newTestEnv(t, config, clock.NewMock(testStart), 0)

	env.recover(t, 1)
	env.clock.Advance(10 * time.Second)
	confirmed := env.clock.Now()
	require.NoError(t, env.ctrl.ProcessSystemMessage(alive(1, true, confirmed)))

	env.ctrl.Stop()

	data, err := snapshot.NewManager(config.SnapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, confirmed.UnixMilli(), data.Producers[1].LastAliveMs)
	assert.Equal(t, types.StatusCompleted, data.Producers[1].Status)
	assert.Zero(t, data.Producers[3].LastAliveMs)
	assert.Equal(t, types.StatusNotStarted, data.Producers[3].Status)
	assert.Equal(t, confirmed.UnixMilli(), data.WrittenAt)

	count, err := wal.CountEvents(config.WALPath)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRestartFromSnapshotUsesAfterTimestamp(t *testing.T) {
	dir := t.TempDir()
	config := persistentConfig(dir)

	first := newTestEnv(t, config, clock.NewMock(testStart), 0)
	first.recover(t, 1)
	first.clock.Advance(10 * time.Second)
	confirmed := first.clock.Now()
	require.NoError(t, first.ctrl.ProcessSystemMessage(alive(1, true, confirmed)))
	first.ctrl.Stop()

	second := newTestEnv(t, config, clock.NewMock(confirmed.Add(2*time.Minute)), 100)
	require.NoError(t, second.ctrl.ProcessSystemMessage(alive(1, true, second.clock.Now())))
	require.NoError(t, second.ctrl.ProcessSystemMessage(alive(3, true, second.clock.Now())))

	sent := second.issuer.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, issuer.KindAfter, sent[0].Kind)
	assert.Equal(t, types.RequestID(101), sent[0].RequestID)
	assert.Equal(t, confirmed.UnixMilli(), sent[0].After.UnixMilli())
	assert.Equal(t, issuer.KindFull, sent[1].Kind, "producer 3 never confirmed an alive")
}

func TestRestartFromWALWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	config := persistentConfig(dir)

	// 第一個 controller 不呼叫 Stop，模擬崩潰
	c := clock.NewMock(testStart)
	first, err := NewController(config, issuer.NewLogging(0), c)
	require.NoError(t, err)
	require.NoError(t, first.Start())

	require.NoError(t, first.ProcessSystemMessage(alive(1, true, testStart)))
	require.NoError(t, first.ProcessUserMessage(snapshotComplete(1, 1, testStart), types.InterestAll))
	c.Advance(10 * time.Second)
	confirmed := c.Now()
	require.NoError(t, first.ProcessSystemMessage(alive(1, true, confirmed)))

	states, err := wal.LoadStates(config.WALPath)
	require.NoError(t, err)
	assert.Equal(t, confirmed.UnixMilli(), states[1].LastAliveMs)
	assert.Equal(t, types.StatusCompleted, states[1].Status)

	second := newTestEnv(t, config, clock.NewMock(confirmed.Add(time.Minute)), 0)
	t.Cleanup(first.Stop)

	require.NoError(t, second.ctrl.ProcessSystemMessage(alive(1, true, second.clock.Now())))
	sent := second.issuer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, issuer.KindAfter, sent[0].Kind)
	assert.Equal(t, confirmed.UnixMilli(), sent[0].After.UnixMilli())
}

func TestTakeSnapshotWithoutPersistence(t *testing.T) {
	env := newTestEnv(t, Config{}, clock.NewMock(testStart), 0)
	assert.NoError(t, env.ctrl.TakeSnapshot())
}
