// ============================================================================
// RecoveryOperation - 單次 recovery 嘗試
// ============================================================================
//
// Package: internal/recovery
// 文件: operation.go
// 功能: 決定要請求哪一種 recovery，透過 RequestIssuer 發出，保存 request ID
//
// 請求類型決策 (Start):
//   1. Interrupt() 留下的錨點時間
//   2. Producer 的 LastTimestampBeforeDisconnect（讀取後清除）
//   兩者都存在時取較早者，確保中間沒有漏掉的訊息
//   有錨點 → RequestRecoveryAfterTimestamp；沒有 → RequestFullRecovery
//   錨點超過 producer 的 StatefulRecoveryWindow → 改為完整 recovery
//
// 生命週期:
//   每個 producer 只有一個 RecoveryOperation 實例，Start/Interrupt/Reset
//   只改變內部狀態，不會建立新實例
//
// 失敗語意:
//   Issuer 回傳錯誤 → 沒有 request ID，Start() 回傳 false，不在內部重試
//   （重試由下一次已訂閱的 alive 驅動）
//   非同步送出失敗 → Fail(requestID) 清除 request ID，同樣等待下一次 alive
//
// ============================================================================

package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// RequestKind 發出的 recovery 類型
type RequestKind string

const (
	RequestKindNone  RequestKind = ""
	RequestKindFull  RequestKind = "full"
	RequestKindAfter RequestKind = "after_timestamp"
)

// RecoveryOperation Operation 的實作
type RecoveryOperation struct {
	mu        sync.Mutex
	ctx       context.Context
	producer  *producer.Producer
	issuer    RequestIssuer
	clock     clock.Clock
	requestID types.RequestID // 目前的 request ID，0 代表沒有
	running   bool            // 請求已送出且尚未完成/失敗/重置
	anchor    time.Time       // Interrupt 留下的錨點，供下一次 Start 使用
	startedAt time.Time       // 最後一次 Start 的時間
	lastKind  RequestKind     // 最後一次送出的請求類型
	lastAfter time.Time       // 最後一次 after-timestamp 請求的時間點
}

// NewRecoveryOperation 建立 RecoveryOperation
//
// 參數：
//   - ctx: 傳給 issuer 的 context，controller 關閉時取消
//   - p: 所屬 producer
//   - issuer: recovery 請求發送者
//   - c: 時間來源
func NewRecoveryOperation(ctx context.Context, p *producer.Producer, issuer RequestIssuer, c clock.Clock) *RecoveryOperation {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RecoveryOperation{
		ctx:      ctx,
		producer: p,
		issuer:   issuer,
		clock:    c,
	}
}

// Start 發出新的 recovery 請求
//
// 返回值：
//   - bool: issuer 是否接受了請求
func (o *RecoveryOperation) Start() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	o.startedAt = now
	o.running = false
	o.requestID = 0

	after := o.anchor
	o.anchor = time.Time{}
	if disconnectedAt, ok := o.producer.ConsumeLastTimestampBeforeDisconnect(); ok {
		if after.IsZero() || disconnectedAt.Before(after) {
			after = disconnectedAt
		}
	}

	if !after.IsZero() {
		if window := o.producer.StatefulRecoveryWindow(); window > 0 && now.Sub(after) > window {
			log.Warn("Recovery anchor outside stateful recovery window, requesting full recovery",
				"producer", o.producer.ID(),
				"after", after,
				"window", window)
			after = time.Time{}
		}
	}

	var (
		id  types.RequestID
		err error
	)
	if after.IsZero() {
		o.lastKind = RequestKindFull
		o.lastAfter = time.Time{}
		id, err = o.issuer.RequestFullRecovery(o.ctx, o.producer)
	} else {
		o.lastKind = RequestKindAfter
		o.lastAfter = after
		id, err = o.issuer.RequestRecoveryAfterTimestamp(o.ctx, o.producer, after)
	}

	if err != nil {
		log.Error("Failed to issue recovery request",
			"producer", o.producer.ID(),
			"kind", o.lastKind,
			"error", err)
		return false
	}
	if id == 0 {
		log.Error("Recovery issuer returned empty request id",
			"producer", o.producer.ID(),
			"kind", o.lastKind)
		return false
	}

	o.requestID = id
	o.running = true

	log.Info("Recovery requested",
		"producer", o.producer.ID(),
		"kind", o.lastKind,
		"request_id", id,
		"after", after)
	return true
}

// Interrupt 只設定下一次 Start 的錨點
// 已送出的請求不受影響：request ID 與執行中標記都保留，其 snapshot_complete 仍然有效
func (o *RecoveryOperation) Interrupt(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !at.IsZero() {
		o.anchor = at
	}
}

// Fail 上游拒絕了已接受的請求：request ID 相符時清除，讓下一次 alive 重新送出
//
// 返回值：
//   - bool: requestID 是否為目前的請求
func (o *RecoveryOperation) Fail(requestID types.RequestID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if requestID == 0 || o.requestID != requestID {
		return false
	}
	o.requestID = 0
	o.running = false
	return true
}

// Reset 丟棄 request ID、錨點與執行中標記
func (o *RecoveryOperation) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.requestID = 0
	o.running = false
	o.anchor = time.Time{}
	o.startedAt = time.Time{}
}

// Complete 標記目前嘗試完成
func (o *RecoveryOperation) Complete() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// IsRunning 請求是否已送出且尚未結束
func (o *RecoveryOperation) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// RequestID 目前的 request ID
func (o *RecoveryOperation) RequestID() (types.RequestID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requestID, o.requestID != 0
}

// StartedAt 最後一次 Start 的時間
func (o *RecoveryOperation) StartedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startedAt
}

// LastRequest 最後一次送出的請求類型與時間點
func (o *RecoveryOperation) LastRequest() (RequestKind, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastKind, o.lastAfter
}
