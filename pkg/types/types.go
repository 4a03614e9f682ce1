// Package types 定義了 oddsfeed-recovery 系統中使用的核心領域模型
package types

import (
	"time"
)

// ProducerID 上游 producer 的數字識別碼（例如 1 = live odds, 3 = prematch）
type ProducerID int

// RequestID recovery 請求識別碼，0 代表「沒有請求」
type RequestID int64

// MessageInterest 訂閱範圍（session），一個 producer 的訊息可能分散在多個 interest 上
type MessageInterest string

// 預設的訂閱範圍
const (
	InterestAll           MessageInterest = "all"      // 所有訊息
	InterestLive          MessageInterest = "live"     // 只收 live 訊息
	InterestPrematch      MessageInterest = "prematch" // 只收 prematch 訊息
	InterestHighPriority  MessageInterest = "hi"       // 高優先權訊息
	InterestLowPriority   MessageInterest = "low"      // 低優先權訊息
	InterestVirtualSports MessageInterest = "virtual"  // 虛擬體育
)

// SpecificEventsInterest 建立只訂閱特定賽事的 interest 名稱
func SpecificEventsInterest(name string) MessageInterest {
	return MessageInterest("events:" + name)
}

// MessageKind 訊息類型
type MessageKind string

// 定義訊息類型常數
const (
	KindAlive                 MessageKind = "alive"             // 系統心跳
	KindSnapshotComplete      MessageKind = "snapshot_complete" // recovery 完成確認
	KindOddsChange            MessageKind = "odds_change"
	KindBetStop               MessageKind = "bet_stop"
	KindBetSettlement         MessageKind = "bet_settlement"
	KindBetCancel             MessageKind = "bet_cancel"
	KindRollbackBetSettlement MessageKind = "rollback_bet_settlement"
	KindRollbackBetCancel     MessageKind = "rollback_bet_cancel"
	KindFixtureChange         MessageKind = "fixture_change"
)

// Valid 檢查訊息類型是否為已知類型
func (k MessageKind) Valid() bool {
	switch k {
	case KindAlive, KindSnapshotComplete, KindOddsChange, KindBetStop, KindBetSettlement,
		KindBetCancel, KindRollbackBetSettlement, KindRollbackBetCancel, KindFixtureChange:
		return true
	}
	return false
}

// Message 已解析的訊息信封，transport 層負責解碼
type Message struct {
	Kind       MessageKind `json:"kind"`                 // 訊息類型
	ProducerID ProducerID  `json:"producer"`             // 所屬 producer
	Timestamp  time.Time   `json:"timestamp"`            // 訊息內嵌的產生時間
	Subscribed bool        `json:"subscribed,omitempty"` // alive 專用：是否為已訂閱的 alive
	RequestID  RequestID   `json:"request_id,omitempty"` // snapshot_complete 專用：對應的請求 ID
	EventID    string      `json:"event_id,omitempty"`   // 相關賽事（可為空）
}

// IsSubscribedAlive 是否為已訂閱的 alive
func (m Message) IsSubscribedAlive() bool {
	return m.Kind == KindAlive && m.Subscribed
}

// RecoveryStatus producer 的 recovery 狀態
type RecoveryStatus string

// 定義 recovery 狀態常數
const (
	StatusNotStarted RecoveryStatus = "not_started" // 初始狀態：此連線上尚未觸發 recovery
	StatusStarted    RecoveryStatus = "started"     // recovery 進行中
	StatusCompleted  RecoveryStatus = "completed"   // 已收到對應的 snapshot_complete
	StatusError      RecoveryStatus = "error"       // 超時、alive 中斷或連線中斷
	StatusDelayed    RecoveryStatus = "delayed"     // 已連線但訊息落後
)

// IsUp producer 是否可視為正常（下游可據此決定是否接受投注）
func (s RecoveryStatus) IsUp() bool {
	return s == StatusCompleted
}

// StatusChange 狀態變更通知
type StatusChange struct {
	ProducerID ProducerID     `json:"producer"`
	Old        RecoveryStatus `json:"old"`
	New        RecoveryStatus `json:"new"`
	At         time.Time      `json:"at"`
	Reason     string         `json:"reason"`
	RequestID  RequestID      `json:"request_id,omitempty"`

	// RecoveryDuration 僅在 Started → Completed 時有值
	RecoveryDuration time.Duration `json:"recovery_duration,omitempty"`
}

// EventRecoveryCompletion 單一賽事 recovery 完成通知
type EventRecoveryCompletion struct {
	ProducerID ProducerID `json:"producer"`
	RequestID  RequestID  `json:"request_id"`
	EventID    string     `json:"event_id"`
}

// ProducerState 持久化的 producer 狀態（寫入狀態檔）
type ProducerState struct {
	LastAliveMs int64          `json:"last_alive_ms"` // 最後確認正常的 alive 時間（Unix 毫秒）
	Status      RecoveryStatus `json:"status"`        // 寫入時的狀態（僅供除錯）
}

// SnapshotData 狀態檔內容
type SnapshotData struct {
	Producers map[ProducerID]ProducerState `json:"producers"`  // 各 producer 狀態
	SchemaVer int                          `json:"schema_ver"` // 資料結構版本號
	WrittenAt int64                        `json:"written_at"` // 寫入時間（Unix 毫秒）
}
