// ============================================================================
// Oddsfeed 控制器 - 多 producer 協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 持有所有 producer 的 recovery 狀態機，負責訊息路由、連線事件、
//       週期性檢查，以及 producer 狀態的持久化
//
// 架構設計:
//   - recovery.Manager: 每個 producer 一個狀態機（各自的鎖）
//   - WAL: producer 日誌，記錄 ALIVE_CONFIRMED 與 STATUS_CHANGE
//   - Snapshot: 狀態檔，定期保存每個 producer 最後確認的 alive 時間
//   - Observer: 狀態變更的訂閱者（metrics、gRPC health、admin API）
//
// 核心循環 (2 個並發 Goroutine):
//   1. Check Loop    - 每 CheckInterval 呼叫所有 manager 的 CheckStatus()
//   2. Snapshot Loop - 每 SnapshotInterval 寫入狀態檔並清空 WAL
//
// 重啟恢復流程:
//   Start() 時自動執行：
//   1. snapshot.Load() - 讀取上次的狀態檔
//   2. WAL 重放        - 用 wal.Fold 補回狀態檔之後確認的 alive
//   3. 對每個 producer 呼叫 SetLastTimestampBeforeDisconnect()
//   第一個 alive 到達時就能發出 after-timestamp recovery，而不是完整 recovery
//
// 連線事件:
//   ConnectionShutdown() 先把每個 producer 最後確認的 alive 記為斷線時間，
//   再讓所有 manager 進入 Error；ConnectionRecovered() 只轉發
//
// 並發安全:
//   - managers 在建構後不再變動，路由不需要鎖
//   - journalMu 保護 lastAlive 與 WAL 寫入；寫狀態檔與 Rotate 也持有它，
//     兩者之間不會有事件遺失
//   - Observer 在 manager 鎖外被呼叫，同一 producer 的通知依轉換順序送達
//   - issuer 非同步回報的失敗轉給對應的 manager（RequestFailed）
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/snapshot"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/storage/wal"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 沒有設定任何 producer
	ErrNoProducers = errors.New("no producers configured")
	// producer ID 重複
	ErrDuplicateProducer = errors.New("duplicate producer id")
	// 訊息或請求指向未設定的 producer
	ErrUnknownProducer = errors.New("unknown producer")
	// Start() 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// ProducerConfig 單一 producer 的設定
type ProducerConfig struct {
	Producer producer.Config
	Recovery recovery.Config
}

// Config Controller 配置
type Config struct {
	Producers        []ProducerConfig
	CheckInterval    time.Duration // CheckStatus 週期（0 = 由呼叫端自行驅動）
	SnapshotInterval time.Duration // 狀態檔寫入週期（0 = 只在 Stop 時寫入）
	SnapshotPath     string        // 狀態檔路徑（空字串 = 不持久化）
	WALPath          string        // WAL 路徑（空字串 = 不寫日誌）
	SyncWAL          bool          // 每次追加都 fsync
}

// Observer 狀態變更的訂閱者
//
// 若同時實作 RecordEventRecoveryCompleted(types.EventRecoveryCompletion)，
// 也會收到賽事 recovery 完成通知；若實作 RegisterProducer(*producer.Producer)，
// 建構時會對每個 producer 呼叫一次
type Observer interface {
	RecordStatusChange(types.StatusChange)
}

type eventObserver interface {
	RecordEventRecoveryCompleted(types.EventRecoveryCompletion)
}

type producerRegistrar interface {
	RegisterProducer(*producer.Producer)
}

// Option Controller 選項
type Option func(*Controller)

// WithObserver 加入狀態變更訂閱者
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// WithEventRecoveryIssuer 設定賽事 recovery issuer（預設從 RequestIssuer 推斷）
func WithEventRecoveryIssuer(issuer recovery.EventRecoveryIssuer) Option {
	return func(c *Controller) {
		c.eventIssuer = issuer
	}
}

// ProducerStatus 對外公開的 producer 狀態
type ProducerStatus struct {
	ID                     types.ProducerID     `json:"id"`
	Name                   string               `json:"name"`
	Scope                  string               `json:"scope,omitempty"`
	Status                 types.RecoveryStatus `json:"status"`
	LastConfirmedAlive     time.Time            `json:"last_confirmed_alive"`
	ConnectionDown         bool                 `json:"connection_down"`
	PendingEventRecoveries int                  `json:"pending_event_recoveries"`
}

// Controller 多 producer 協調器
type Controller struct {
	config      Config
	clock       clock.Clock
	cancel      context.CancelFunc
	managers    map[types.ProducerID]*recovery.Manager
	order       []types.ProducerID
	observers   []Observer
	eventIssuer recovery.EventRecoveryIssuer

	wal      *wal.WAL          // 可為 nil
	snapshot *snapshot.Manager // 可為 nil

	journalMu sync.Mutex
	lastAlive map[types.ProducerID]int64 // 已寫入日誌的最後 alive（Unix 毫秒）

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// ============================================================================
// 建構
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - issuer: recovery 請求發送者（若也實作 EventRecoveryIssuer 則用於賽事 recovery）
//   - c: 時間來源
//   - opts: 選項
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 設定錯誤或 WAL 開啟失敗
func NewController(config Config, issuer recovery.RequestIssuer, c clock.Clock, opts ...Option) (*Controller, error) {
	if len(config.Producers) == 0 {
		return nil, ErrNoProducers
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &Controller{
		config:    config,
		clock:     c,
		cancel:    cancel,
		managers:  make(map[types.ProducerID]*recovery.Manager, len(config.Producers)),
		lastAlive: make(map[types.ProducerID]int64, len(config.Producers)),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ctrl)
	}

	for _, pc := range config.Producers {
		p, err := producer.New(pc.Producer)
		if err != nil {
			cancel()
			return nil, err
		}
		if _, exists := ctrl.managers[p.ID()]; exists {
			cancel()
			return nil, fmt.Errorf("%w: %d", ErrDuplicateProducer, p.ID())
		}

		m := recovery.NewProducerRecoveryManager(ctx, p, issuer, c, pc.Recovery)
		if ctrl.eventIssuer != nil {
			m.SetEventRecoveryIssuer(ctrl.eventIssuer)
		}
		m.OnStatusChanged(ctrl.onStatusChanged)
		m.OnEventRecoveryCompleted(ctrl.onEventRecoveryCompleted)

		ctrl.managers[p.ID()] = m
		ctrl.order = append(ctrl.order, p.ID())
	}
	sort.Slice(ctrl.order, func(i, j int) bool { return ctrl.order[i] < ctrl.order[j] })

	for _, o := range ctrl.observers {
		if r, ok := o.(producerRegistrar); ok {
			for _, id := range ctrl.order {
				r.RegisterProducer(ctrl.managers[id].Producer())
			}
		}
	}

	if n, ok := issuer.(recovery.FailureNotifier); ok {
		n.OnRequestFailed(ctrl.onRequestFailed)
	}

	if config.SnapshotPath != "" {
		ctrl.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	if config.WALPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.WALPath), 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create WAL dir: %w", err)
		}
		w, err := wal.NewWAL(config.WALPath, config.SyncWAL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		ctrl.wal = w
	}

	return ctrl, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot -> replayWAL -> 設定斷線時間
//  2. 啟動階段：check loop 與 snapshot loop
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	start := time.Now()
	restored, err := c.restore()
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	log.Info("Producer state restored",
		"duration", time.Since(start),
		"producers", restored)

	if c.config.CheckInterval > 0 {
		c.loopWg.Add(1)
		go c.checkLoop()
	}
	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started",
		"producers", len(c.managers),
		"check_interval", c.config.CheckInterval)
	return nil
}

// restore 讀取狀態檔並重放 WAL，返回恢復了 alive 時間的 producer 數
func (c *Controller) restore() (int, error) {
	states := make(map[types.ProducerID]wal.ProducerState)

	if c.snapshot != nil {
		data, err := c.snapshot.Load()
		if err != nil {
			return 0, fmt.Errorf("failed to load snapshot: %w", err)
		}
		for id, st := range data.Producers {
			states[id] = wal.ProducerState{LastAliveMs: st.LastAliveMs, Status: st.Status}
		}
	}

	if c.wal != nil {
		err := c.wal.Replay(func(event wal.Event) error {
			wal.Fold(states, event)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to replay WAL: %w", err)
		}
	}

	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	restored := 0
	for id, st := range states {
		m, ok := c.managers[id]
		if !ok {
			log.Warn("Ignoring persisted state for unconfigured producer", "producer", id)
			continue
		}
		if st.LastAliveMs <= 0 {
			continue
		}
		c.lastAlive[id] = st.LastAliveMs
		m.Producer().SetLastTimestampBeforeDisconnect(time.UnixMilli(st.LastAliveMs))
		restored++

		log.Info("Restored last confirmed alive",
			"producer", id,
			"alive", time.UnixMilli(st.LastAliveMs).UTC(),
			"status_before_restart", st.Status)
	}
	return restored, nil
}

// ============================================================================
// 核心循環
// ============================================================================

// checkLoop 定期檢查所有 producer
func (c *Controller) checkLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Check loop stopped")
			return
		case <-ticker.C:
			c.CheckStatuses()
		}
	}
}

// snapshotLoop 定期寫入狀態檔
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// ============================================================================
// 訊息路由
// ============================================================================

func (c *Controller) manager(id types.ProducerID) (*recovery.Manager, error) {
	m, ok := c.managers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProducer, id)
	}
	return m, nil
}

// ProcessSystemMessage 將 system 訊息轉給對應 producer
func (c *Controller) ProcessSystemMessage(msg types.Message) error {
	m, err := c.manager(msg.ProducerID)
	if err != nil {
		return err
	}
	m.ProcessSystemMessage(msg)
	c.journalAlive(m)
	return nil
}

// ProcessUserMessage 將 user 訊息轉給對應 producer
func (c *Controller) ProcessUserMessage(msg types.Message, interest types.MessageInterest) error {
	m, err := c.manager(msg.ProducerID)
	if err != nil {
		return err
	}
	m.ProcessUserMessage(msg, interest)
	c.journalAlive(m)
	return nil
}

// CheckStatuses 對所有 producer 執行一次 CheckStatus
func (c *Controller) CheckStatuses() {
	for _, id := range c.order {
		m := c.managers[id]
		m.CheckStatus()
		c.journalAlive(m)
	}
}

// ============================================================================
// 連線事件
// ============================================================================

// ConnectionShutdown 連線中斷：記錄斷線時間後讓所有 producer 進入 Error
//
// 已有較早、尚未使用的斷線時間時保留較早者
func (c *Controller) ConnectionShutdown() {
	for _, id := range c.order {
		m := c.managers[id]
		p := m.Producer()
		if alive := m.LastConfirmedAlive(); !alive.IsZero() {
			if existing, ok := p.LastTimestampBeforeDisconnect(); !ok || alive.Before(existing) {
				p.SetLastTimestampBeforeDisconnect(alive)
			}
		}
		m.ConnectionShutdown()
	}
	log.Warn("Connection shutdown", "producers", len(c.order))
}

// ConnectionRecovered 連線恢復
func (c *Controller) ConnectionRecovered() {
	for _, id := range c.order {
		c.managers[id].ConnectionRecovered()
	}
}

// RequestEventRecovery 對單一賽事發出 recovery
func (c *Controller) RequestEventRecovery(ctx context.Context, producerID types.ProducerID, eventID string) (types.RequestID, error) {
	m, err := c.manager(producerID)
	if err != nil {
		return 0, err
	}
	return m.RequestEventRecovery(ctx, eventID)
}

// ============================================================================
// 日誌與狀態檔
// ============================================================================

// journalAlive 最後確認的 alive 前進時寫入 WAL
func (c *Controller) journalAlive(m *recovery.Manager) {
	alive := m.LastConfirmedAlive()
	if alive.IsZero() {
		return
	}
	ms := alive.UnixMilli()
	id := m.Producer().ID()

	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	if ms <= c.lastAlive[id] {
		return
	}
	c.lastAlive[id] = ms
	if c.wal == nil {
		return
	}
	if err := c.wal.Append(wal.Event{Type: wal.EventAliveConfirmed, ProducerID: id, AliveMs: ms}, false); err != nil && !errors.Is(err, wal.ErrWALClosed) {
		log.Error("Failed to append ALIVE_CONFIRMED event", "producer", id, "error", err)
	}
}

func (c *Controller) onStatusChanged(change types.StatusChange) {
	if c.wal != nil {
		c.journalMu.Lock()
		err := c.wal.Append(wal.Event{Type: wal.EventStatusChange, ProducerID: change.ProducerID, Status: change.New}, false)
		c.journalMu.Unlock()
		if err != nil && !errors.Is(err, wal.ErrWALClosed) {
			log.Error("Failed to append STATUS_CHANGE event", "producer", change.ProducerID, "error", err)
		}
	}

	for _, o := range c.observers {
		o.RecordStatusChange(change)
	}
}

// onRequestFailed 在 issuer 的 worker goroutine 上被呼叫
func (c *Controller) onRequestFailed(id types.ProducerID, requestID types.RequestID, err error) {
	m, ok := c.managers[id]
	if !ok {
		log.Warn("Request failure for unknown producer", "producer", id, "request_id", requestID)
		return
	}
	m.RequestFailed(requestID, err)
}

func (c *Controller) onEventRecoveryCompleted(e types.EventRecoveryCompletion) {
	for _, o := range c.observers {
		if eo, ok := o.(eventObserver); ok {
			eo.RecordEventRecoveryCompleted(e)
		}
	}
}

// TakeSnapshot 寫入狀態檔並清空 WAL
func (c *Controller) TakeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	data := types.SnapshotData{
		Producers: make(map[types.ProducerID]types.ProducerState, len(c.managers)),
		WrittenAt: c.clock.Now().UnixMilli(),
	}
	for _, id := range c.order {
		data.Producers[id] = types.ProducerState{
			LastAliveMs: c.lastAlive[id],
			Status:      c.managers[id].Status(),
		}
	}

	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if c.wal != nil {
		if err := c.wal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"producers", len(data.Producers))
	return nil
}

// ============================================================================
// 狀態查詢
// ============================================================================

func statusOf(m *recovery.Manager) ProducerStatus {
	p := m.Producer()
	return ProducerStatus{
		ID:                     p.ID(),
		Name:                   p.Name(),
		Scope:                  p.Scope(),
		Status:                 m.Status(),
		LastConfirmedAlive:     m.LastConfirmedAlive(),
		ConnectionDown:         m.IsConnectionDown(),
		PendingEventRecoveries: p.EventRecoveries.Len(),
	}
}

// Statuses 所有 producer 的狀態（依 ID 排序）
func (c *Controller) Statuses() []ProducerStatus {
	out := make([]ProducerStatus, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, statusOf(c.managers[id]))
	}
	return out
}

// Status 單一 producer 的狀態
func (c *Controller) Status(id types.ProducerID) (ProducerStatus, error) {
	m, err := c.manager(id)
	if err != nil {
		return ProducerStatus{}, err
	}
	return statusOf(m), nil
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 停止循環，寫入最後一次狀態檔並關閉 WAL
//
// 關閉順序：
//  1. close(stopCh) → 循環退出
//  2. loopWg.Wait() → 確保沒有 CheckStatuses 在執行
//  3. 最後一次狀態檔
//  4. 取消 recovery 請求的 context，關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	if err := c.TakeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	c.cancel()

	if c.wal != nil {
		if err := c.wal.Close(); err != nil {
			log.Error("Failed to close WAL", "error", err)
		}
	}

	log.Info("Controller stopped")
}
