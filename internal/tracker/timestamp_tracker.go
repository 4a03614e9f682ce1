// ============================================================================
// TimestampTracker - producer 新鮮度帳本
// ============================================================================
//
// Package: internal/tracker
// 文件: timestamp_tracker.go
// 功能: 記錄每個 producer / interest 最後收到 alive 與訊息的時間，
//       並回答兩個健康檢查問題
//
// 健康檢查:
//   1. IsAliveViolation() - 太久沒收到「已訂閱」的 alive
//      - system 通道: now - 最後 alive 接收時間 > AliveTimeout
//      - 各 interest: 曾經收過 alive 的 session，各自依照自己的門檻判斷
//   2. HasDelayedMessages() - 某個 interest 最後一則訊息的內嵌時間太舊
//      - now - 訊息內嵌時間 > MaxMessageAge
//      - 從未收過訊息的 interest 不算延遲（由 alive 檢查負責）
//
// 門檻設定:
//   Config 提供 producer 層級預設值，Interests 可針對個別 interest 覆寫
//   （live 流量大、prematch 流量小，可容忍的間隔不同）
//
// 並發安全:
//   - sync.RWMutex 保護所有帳本
//   - 查詢使用 RLock，寫入使用 Lock
//
// ============================================================================

package tracker

import (
	"sync"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// Thresholds 單一 interest 的門檻，零值欄位沿用 producer 預設
type Thresholds struct {
	AliveTimeout  time.Duration `yaml:"alive_timeout"`
	MaxMessageAge time.Duration `yaml:"max_message_age"`
}

// Config Tracker 設定
type Config struct {
	AliveTimeout  time.Duration                         // 預設 alive 最大間隔
	MaxMessageAge time.Duration                         // 預設訊息最大延遲
	Interests     map[types.MessageInterest]Thresholds // 個別 interest 覆寫
}

// interestLedger 單一 interest 的帳本
type interestLedger struct {
	lastMessage time.Time // 最後一則訊息的內嵌時間
	lastAlive   time.Time // 最後一次已訂閱 alive 的接收時間
}

// TimestampTracker 單一 producer 的新鮮度帳本
type TimestampTracker struct {
	mu              sync.RWMutex
	clock           clock.Clock
	config          Config
	createdAt       time.Time
	lastSystemAlive time.Time                                   // system 通道最後已訂閱 alive 的接收時間
	interests       map[types.MessageInterest]*interestLedger // 各 interest 帳本
}

// NewTimestampTracker 建立 Tracker
//
// 參數：
//   - c: 時間來源
//   - config: 門檻設定
func NewTimestampTracker(c clock.Clock, config Config) *TimestampTracker {
	return &TimestampTracker{
		clock:     c,
		config:    config,
		createdAt: c.Now(),
		interests: make(map[types.MessageInterest]*interestLedger),
	}
}

// thresholdsFor 取得 interest 的實際門檻
func (t *TimestampTracker) thresholdsFor(interest types.MessageInterest) Thresholds {
	th := Thresholds{
		AliveTimeout:  t.config.AliveTimeout,
		MaxMessageAge: t.config.MaxMessageAge,
	}
	if override, ok := t.config.Interests[interest]; ok {
		if override.AliveTimeout > 0 {
			th.AliveTimeout = override.AliveTimeout
		}
		if override.MaxMessageAge > 0 {
			th.MaxMessageAge = override.MaxMessageAge
		}
	}
	return th
}

// ledger 取得或建立 interest 帳本（呼叫端需持有寫鎖）
func (t *TimestampTracker) ledger(interest types.MessageInterest) *interestLedger {
	l, ok := t.interests[interest]
	if !ok {
		l = &interestLedger{}
		t.interests[interest] = l
	}
	return l
}

// ProcessSystemAlive 記錄 system 通道的 alive
// 未訂閱的 alive 不影響 alive 間隔（由 manager 直接處理）
func (t *TimestampTracker) ProcessSystemAlive(msg types.Message) {
	if !msg.IsSubscribedAlive() {
		return
	}

	t.mu.Lock()
	t.lastSystemAlive = t.clock.Now()
	t.mu.Unlock()
}

// ProcessUserMessage 記錄 session 上收到的訊息
// 任何類型都算流量；已訂閱的 alive 另外刷新該 interest 的 alive 時間
func (t *TimestampTracker) ProcessUserMessage(interest types.MessageInterest, msg types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledger(interest)
	if !msg.Timestamp.IsZero() {
		l.lastMessage = msg.Timestamp
	}
	if msg.IsSubscribedAlive() {
		l.lastAlive = t.clock.Now()
	}
}

// IsAliveViolation 是否超過 alive 門檻
func (t *TimestampTracker) IsAliveViolation() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()

	ref := t.lastSystemAlive
	if ref.IsZero() {
		ref = t.createdAt
	}
	if t.config.AliveTimeout > 0 && now.Sub(ref) > t.config.AliveTimeout {
		return true
	}

	for interest, l := range t.interests {
		if l.lastAlive.IsZero() {
			continue
		}
		th := t.thresholdsFor(interest)
		if th.AliveTimeout > 0 && now.Sub(l.lastAlive) > th.AliveTimeout {
			return true
		}
	}
	return false
}

// HasDelayedMessages 是否有 interest 的最後訊息過舊
func (t *TimestampTracker) HasDelayedMessages() bool {
	return len(t.DelayedInterests()) > 0
}

// DelayedInterests 回傳訊息過舊的 interest 列表
func (t *TimestampTracker) DelayedInterests() []types.MessageInterest {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	var delayed []types.MessageInterest
	for interest, l := range t.interests {
		if l.lastMessage.IsZero() {
			continue
		}
		th := t.thresholdsFor(interest)
		if th.MaxMessageAge > 0 && now.Sub(l.lastMessage) > th.MaxMessageAge {
			delayed = append(delayed, interest)
		}
	}
	return delayed
}

// LastSystemAlive 最後一次已訂閱 system alive 的接收時間
func (t *TimestampTracker) LastSystemAlive() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSystemAlive
}

// LastMessage 某個 interest 最後一則訊息的內嵌時間
func (t *TimestampTracker) LastMessage(interest types.MessageInterest) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l, ok := t.interests[interest]
	if !ok || l.lastMessage.IsZero() {
		return time.Time{}, false
	}
	return l.lastMessage, true
}
