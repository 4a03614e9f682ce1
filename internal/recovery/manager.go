// ============================================================================
// ProducerRecoveryManager - producer recovery 狀態機
// ============================================================================
//
// Package: internal/recovery
// 文件: manager.go
// 功能: 根據 system/user 訊息與週期性檢查，決定 producer 的資料是否即時，
//       並驅動 RecoveryOperation
//
// 狀態轉換 (State Machine):
//   NotStarted ──alive──→ Started ──snapshot_complete(匹配 request ID)──→ Completed
//        ↑                  │  ↑                                            │  ↑
//        │        超過 MaxRecoveryTime   未訂閱 alive                  訊息過舊 │  │ 恢復新鮮
//        │                  ↓  │                                            ↓  │
//        │                Error ←──────────── alive 中斷 ───────────────  Delayed
//        └── ConnectionShutdown() 任何狀態 → Error
//
// 轉換規則:
//   - alive（任何訂閱旗標）: NotStarted/Error → Started，呼叫 Start() 一次
//   - 已訂閱 alive: Started 且沒有 request ID（Start 失敗或上游拒絕）→ 重新 Start()
//   - 未訂閱 alive: Completed → Started，錨點為最後確認的 alive（Delayed 時忽略）
//   - snapshot_complete: 匹配 operation request ID 時 Started → Completed；
//     匹配 EventRecoveries 時發出賽事 recovery 完成通知（與狀態無關）
//   - CheckStatus():
//       Started:   超過 MaxRecoveryTime → Error；停滯 → Interrupt（狀態不變，
//                  已送出的請求仍然有效，每個停滯區間最多一次）
//       Completed: alive 中斷 → Error；訊息過舊 → Delayed（alive 優先）
//       Delayed:   alive 中斷 → Error；恢復新鮮 → Completed
//   - ConnectionShutdown(): → Error，Reset() 一次
//   - ConnectionRecovered(): 只標記連線可用，狀態維持，等待新的 alive
//   - RequestFailed(): 上游拒絕請求 → 清除 request ID，狀態不變，下一個 alive 重送
//
// 並發安全:
//   - 每個 producer 一個 sync.Mutex，所有轉換序列化
//   - 通知在鎖內依轉換順序排入佇列，釋放鎖之後才呼叫 callback
//   - 同一時間只有一個 goroutine 負責送出佇列，callback 收到的順序與轉換順序一致
//   - callback 可以安全地回呼 manager（新的通知排在佇列尾端）
//   - 其他 producer 不受影響（每個 manager 各自的鎖）
//
// 所有公開方法都不回傳錯誤：失敗只會表現為狀態變更
//
// ============================================================================

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/tracker"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 沒有設定賽事 recovery issuer
	ErrEventRecoveryUnsupported = errors.New("event recovery issuer not configured")
	// 連線中斷時不能發出賽事 recovery
	ErrConnectionDown = errors.New("connection is down")
	// issuer 回傳的 request ID 已存在
	ErrDuplicateRequest = errors.New("recovery request id already registered")
)

// 狀態變更原因
const (
	ReasonAliveReceived      = "alive received"
	ReasonUnsubscribedAlive  = "unsubscribed alive"
	ReasonSnapshotComplete   = "snapshot complete"
	ReasonRecoveryTimeout    = "recovery timed out"
	ReasonAliveViolation     = "alive interval violation"
	ReasonMessageDelay       = "message delay violation"
	ReasonMessagesFresh      = "messages fresh again"
	ReasonConnectionShutdown = "connection shutdown"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Manager 設定
type Config struct {
	AliveViolationTimeout time.Duration                                // 允許的最大 alive 間隔
	MaxMessageAge         time.Duration                                // 允許的最大訊息延遲
	Interests             map[types.MessageInterest]tracker.Thresholds // 個別 interest 覆寫
	StallInterval         time.Duration                                // Started 時多久沒有訊息視為停滯（0 = 不檢查）
}

// notifications 在鎖內收集、鎖外發送
type notifications struct {
	changes []types.StatusChange
	events  []types.EventRecoveryCompletion
}

// Manager 單一 producer 的 recovery 狀態機
type Manager struct {
	mu          sync.Mutex
	producer    *producer.Producer
	operation   Operation
	tracker     Tracker
	clock       clock.Clock
	config      Config
	eventIssuer EventRecoveryIssuer

	status             types.RecoveryStatus
	connectionDown     bool
	recoveryStartedAt  time.Time // 本輪 recovery 開始時間（用於 MaxRecoveryTime）
	stallRef           time.Time // 停滯偵測的參考時間：開始、重送、user 訊息或上一次中斷
	lastAliveTimestamp time.Time // 最後一次已訂閱 alive 的內嵌時間
	lastConfirmedAlive time.Time // Completed 狀態下最後確認正常的 alive 時間

	listenersMu     sync.RWMutex
	statusListeners []func(types.StatusChange)
	eventListeners  []func(types.EventRecoveryCompletion)

	pending     []notifications // 受 mu 保護
	dispatching bool            // 受 mu 保護
}

// ============================================================================
// 建構
// ============================================================================

// NewManager 使用指定的 operation 與 tracker 建立 Manager
func NewManager(p *producer.Producer, op Operation, tr Tracker, c clock.Clock, config Config) *Manager {
	return &Manager{
		producer:  p,
		operation: op,
		tracker:   tr,
		clock:     c,
		config:    config,
		status:    types.StatusNotStarted,
	}
}

// NewProducerRecoveryManager 建立帶有真實 RecoveryOperation 與 TimestampTracker 的 Manager
//
// 參數：
//   - ctx: recovery 請求使用的 context
//   - p: producer
//   - issuer: recovery 請求發送者
//   - c: 時間來源
//   - config: 門檻設定
func NewProducerRecoveryManager(ctx context.Context, p *producer.Producer, issuer RequestIssuer, c clock.Clock, config Config) *Manager {
	op := NewRecoveryOperation(ctx, p, issuer, c)
	tr := tracker.NewTimestampTracker(c, tracker.Config{
		AliveTimeout:  config.AliveViolationTimeout,
		MaxMessageAge: config.MaxMessageAge,
		Interests:     config.Interests,
	})

	m := NewManager(p, op, tr, c, config)
	if eventIssuer, ok := issuer.(EventRecoveryIssuer); ok {
		m.eventIssuer = eventIssuer
	}
	return m
}

// SetEventRecoveryIssuer 設定賽事 recovery issuer
func (m *Manager) SetEventRecoveryIssuer(issuer EventRecoveryIssuer) {
	m.mu.Lock()
	m.eventIssuer = issuer
	m.mu.Unlock()
}

// OnStatusChanged 註冊狀態變更 callback
func (m *Manager) OnStatusChanged(fn func(types.StatusChange)) {
	m.listenersMu.Lock()
	m.statusListeners = append(m.statusListeners, fn)
	m.listenersMu.Unlock()
}

// OnEventRecoveryCompleted 註冊賽事 recovery 完成 callback
func (m *Manager) OnEventRecoveryCompleted(fn func(types.EventRecoveryCompletion)) {
	m.listenersMu.Lock()
	m.eventListeners = append(m.eventListeners, fn)
	m.listenersMu.Unlock()
}

// ============================================================================
// 訊息處理
// ============================================================================

// ProcessSystemMessage 處理 system（alive）通道的訊息
func (m *Manager) ProcessSystemMessage(msg types.Message) {
	if msg.ProducerID != m.producer.ID() {
		return
	}

	var n notifications

	m.mu.Lock()
	m.tracker.ProcessSystemAlive(msg)

	if msg.Kind == types.KindAlive {
		m.handleAlive(&n, msg)
	}
	m.enqueue(n)
	m.mu.Unlock()

	m.flush()
}

// handleAlive 依目前狀態處理 alive（呼叫端持有鎖）
func (m *Manager) handleAlive(n *notifications, msg types.Message) {
	now := m.clock.Now()

	if msg.Subscribed {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		m.lastAliveTimestamp = ts
	}

	switch m.status {
	case types.StatusNotStarted, types.StatusError:
		m.startRecovery(n, now, ReasonAliveReceived)

	case types.StatusStarted:
		// 只有在沒有送出中的請求時才重送；被中斷的請求仍在等待 snapshot_complete
		if _, issued := m.operation.RequestID(); msg.Subscribed && !issued {
			log.Info("Re-issuing recovery request",
				"producer", m.producer.ID())
			m.operation.Start()
			m.stallRef = now
		}

	case types.StatusCompleted:
		if msg.Subscribed {
			m.lastConfirmedAlive = m.lastAliveTimestamp
			return
		}

		// producer 重新訂閱：可能漏掉了只靠已訂閱 alive 看不出來的區間
		log.Warn("Unsubscribed alive while up, restarting recovery",
			"producer", m.producer.ID(),
			"anchor", m.lastConfirmedAlive)
		m.operation.Interrupt(m.lastConfirmedAlive)
		m.startRecovery(n, now, ReasonUnsubscribedAlive)

	case types.StatusDelayed:
		// 由 CheckStatus 決定回到 Completed 或進入 Error
	}
}

// startRecovery 開始新一輪 recovery（呼叫端持有鎖）
func (m *Manager) startRecovery(n *notifications, now time.Time, reason string) {
	m.recoveryStartedAt = now
	m.stallRef = now

	if !m.operation.Start() {
		log.Warn("Recovery request not issued, waiting for next alive or check",
			"producer", m.producer.ID())
	}

	requestID, _ := m.operation.RequestID()
	m.setStatus(n, types.StatusStarted, reason, requestID, 0)
}

// ProcessUserMessage 處理 session 上的訊息
func (m *Manager) ProcessUserMessage(msg types.Message, interest types.MessageInterest) {
	if msg.ProducerID != m.producer.ID() {
		return
	}

	var n notifications

	m.mu.Lock()
	now := m.clock.Now()
	m.tracker.ProcessUserMessage(interest, msg)
	m.stallRef = now

	if msg.Kind == types.KindSnapshotComplete && msg.RequestID != 0 {
		m.handleSnapshotComplete(&n, now, msg.RequestID)
	}
	m.enqueue(n)
	m.mu.Unlock()

	m.flush()
}

// handleSnapshotComplete 處理 snapshot_complete（呼叫端持有鎖）
func (m *Manager) handleSnapshotComplete(n *notifications, now time.Time, requestID types.RequestID) {
	if eventID, ok := m.producer.EventRecoveries.Remove(requestID); ok {
		log.Info("Event recovery completed",
			"producer", m.producer.ID(),
			"request_id", requestID,
			"event", eventID)
		n.events = append(n.events, types.EventRecoveryCompletion{
			ProducerID: m.producer.ID(),
			RequestID:  requestID,
			EventID:    eventID,
		})
	}

	if m.status != types.StatusStarted {
		return
	}

	current, ok := m.operation.RequestID()
	if !ok || current != requestID {
		log.Debug("Ignoring snapshot_complete for another request",
			"producer", m.producer.ID(),
			"request_id", requestID,
			"expected", current)
		return
	}

	m.operation.Complete()
	m.lastConfirmedAlive = m.lastAliveTimestamp
	m.setStatus(n, types.StatusCompleted, ReasonSnapshotComplete, requestID, now.Sub(m.recoveryStartedAt))
}

// ============================================================================
// 週期檢查
// ============================================================================

// CheckStatus 依目前時間檢查超時、alive 中斷與訊息延遲
// 由外部排程器以固定週期呼叫
func (m *Manager) CheckStatus() {
	var n notifications

	m.mu.Lock()
	now := m.clock.Now()

	switch m.status {
	case types.StatusStarted:
		m.checkRecoveryProgress(&n, now)

	case types.StatusCompleted:
		if m.tracker.IsAliveViolation() {
			m.failOnAliveViolation(&n)
		} else if m.tracker.HasDelayedMessages() {
			m.setStatus(&n, types.StatusDelayed, ReasonMessageDelay, 0, 0)
		}

	case types.StatusDelayed:
		if m.tracker.IsAliveViolation() {
			m.failOnAliveViolation(&n)
		} else if !m.tracker.HasDelayedMessages() {
			m.setStatus(&n, types.StatusCompleted, ReasonMessagesFresh, 0, 0)
		}
	}
	m.enqueue(n)
	m.mu.Unlock()

	m.flush()
}

// checkRecoveryProgress Started 狀態的超時與停滯檢查（呼叫端持有鎖）
func (m *Manager) checkRecoveryProgress(n *notifications, now time.Time) {
	elapsed := now.Sub(m.recoveryStartedAt)
	if elapsed > m.producer.MaxRecoveryTime() {
		log.Error("Recovery exceeded max recovery time",
			"producer", m.producer.ID(),
			"elapsed", elapsed,
			"max", m.producer.MaxRecoveryTime())
		requestID, _ := m.operation.RequestID()
		m.setStatus(n, types.StatusError, ReasonRecoveryTimeout, requestID, 0)
		return
	}

	if m.config.StallInterval <= 0 || !m.operation.IsRunning() || m.lastConfirmedAlive.IsZero() {
		return
	}

	if idle := now.Sub(m.stallRef); idle >= m.config.StallInterval {
		log.Warn("Recovery stalled, interrupting",
			"producer", m.producer.ID(),
			"idle", idle,
			"anchor", m.lastConfirmedAlive)
		m.operation.Interrupt(m.lastConfirmedAlive)
		m.stallRef = now
	}
}

// failOnAliveViolation Completed/Delayed → Error（呼叫端持有鎖）
// 下一輪 recovery 從最後確認的 alive 開始
func (m *Manager) failOnAliveViolation(n *notifications) {
	log.Warn("Alive interval violated",
		"producer", m.producer.ID(),
		"timeout", m.config.AliveViolationTimeout,
		"last_confirmed_alive", m.lastConfirmedAlive)
	m.operation.Interrupt(m.lastConfirmedAlive)
	m.setStatus(n, types.StatusError, ReasonAliveViolation, 0, 0)
}

// ============================================================================
// 連線事件
// ============================================================================

// ConnectionShutdown 連線中斷：強制 Error 並重置 operation
func (m *Manager) ConnectionShutdown() {
	var n notifications

	m.mu.Lock()
	m.operation.Reset()
	m.connectionDown = true
	m.setStatus(&n, types.StatusError, ReasonConnectionShutdown, 0, 0)
	m.enqueue(n)
	m.mu.Unlock()

	m.flush()
}

// ConnectionRecovered 連線恢復：只標記連線可用，等待新的 alive 才離開 Error
func (m *Manager) ConnectionRecovered() {
	m.mu.Lock()
	m.connectionDown = false
	status := m.status
	m.mu.Unlock()

	log.Info("Connection recovered, waiting for alive",
		"producer", m.producer.ID(),
		"status", status)
}

// RequestFailed 上游拒絕了已接受的請求
// 目前的 recovery 請求 → 清除 request ID，狀態維持，下一個已訂閱的 alive 重送
// 賽事 recovery → 從 EventRecoveries 移除，不會再有對應的 snapshot_complete
func (m *Manager) RequestFailed(requestID types.RequestID, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eventID, ok := m.producer.EventRecoveries.Remove(requestID); ok {
		log.Warn("Event recovery request failed",
			"producer", m.producer.ID(),
			"request_id", requestID,
			"event", eventID,
			"error", cause)
		return
	}

	if m.operation.Fail(requestID) {
		log.Warn("Recovery request failed, re-issuing on next alive",
			"producer", m.producer.ID(),
			"request_id", requestID,
			"status", m.status,
			"error", cause)
	}
}

// ============================================================================
// 賽事 recovery
// ============================================================================

// RequestEventRecovery 發出單一賽事的 recovery，並登記到 EventRecoveries
func (m *Manager) RequestEventRecovery(ctx context.Context, eventID string) (types.RequestID, error) {
	m.mu.Lock()
	issuer := m.eventIssuer
	down := m.connectionDown
	m.mu.Unlock()

	if issuer == nil {
		return 0, ErrEventRecoveryUnsupported
	}
	if down {
		return 0, ErrConnectionDown
	}

	requestID, err := issuer.RequestEventRecovery(ctx, m.producer, eventID)
	if err != nil {
		return 0, fmt.Errorf("event recovery for %s: %w", eventID, err)
	}
	if !m.producer.EventRecoveries.TryAdd(requestID, eventID) {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateRequest, requestID)
	}

	log.Info("Event recovery requested",
		"producer", m.producer.ID(),
		"event", eventID,
		"request_id", requestID)
	return requestID, nil
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Status 目前狀態
func (m *Manager) Status() types.RecoveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Producer 所屬 producer
func (m *Manager) Producer() *producer.Producer {
	return m.producer
}

// LastConfirmedAlive 最後確認正常的 alive 內嵌時間
func (m *Manager) LastConfirmedAlive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConfirmedAlive
}

// IsConnectionDown 連線是否被標記為中斷
func (m *Manager) IsConnectionDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionDown
}

// ============================================================================
// 內部工具
// ============================================================================

// setStatus 變更狀態並記錄通知（呼叫端持有鎖）
func (m *Manager) setStatus(n *notifications, status types.RecoveryStatus, reason string, requestID types.RequestID, duration time.Duration) {
	if m.status == status {
		return
	}

	change := types.StatusChange{
		ProducerID: m.producer.ID(),
		Old:        m.status,
		New:        status,
		At:         m.clock.Now(),
		Reason:     reason,
		RequestID:  requestID,
	}
	if status == types.StatusCompleted && change.Old == types.StatusStarted {
		change.RecoveryDuration = duration
	}

	m.status = status
	n.changes = append(n.changes, change)

	log.Info("Producer status changed",
		"producer", m.producer.ID(),
		"old", change.Old,
		"new", change.New,
		"reason", reason)
}

// enqueue 依轉換順序排入通知（呼叫端持有鎖）
func (m *Manager) enqueue(n notifications) {
	if len(n.changes) == 0 && len(n.events) == 0 {
		return
	}
	m.pending = append(m.pending, n)
}

// flush 在鎖外送出佇列中的通知
// 已有 goroutine 在送出時直接返回，由它接手送出新排入的通知
func (m *Manager) flush() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, n := range batch {
			m.deliver(n)
		}

		m.mu.Lock()
	}

	// 佇列清空與釋放送出權必須在同一段鎖內完成
	m.dispatching = false
	m.mu.Unlock()
}

// deliver 呼叫所有 callback（不持有 mu）
func (m *Manager) deliver(n notifications) {
	m.listenersMu.RLock()
	statusListeners := m.statusListeners
	eventListeners := m.eventListeners
	m.listenersMu.RUnlock()

	for _, change := range n.changes {
		for _, fn := range statusListeners {
			fn(change)
		}
	}
	for _, completion := range n.events {
		for _, fn := range eventListeners {
			fn(completion)
		}
	}
}
