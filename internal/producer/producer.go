// ============================================================================
// Producer - 上游資料來源
// ============================================================================
//
// Package: internal/producer
// 文件: producer.go
// 功能: 保存 producer 的身分、recovery 限制，以及斷線前最後正常的時間點
//
// 欄位說明:
//   - MaxRecoveryTime: 單次 recovery 最長可執行時間，超過即視為失敗
//   - StatefulRecoveryWindow: 上游允許的最久「after timestamp」範圍，
//     超過此範圍只能做完整 recovery（0 代表不限制）
//   - lastTimestampBeforeDisconnect: 連線層偵測到斷線時寫入，
//     下一次 RecoveryOperation.Start() 讀取一次後清除
//   - EventRecoveries: 單一賽事 recovery 的 requestID → eventID 對應
//
// 並發安全:
//   - 時間戳使用 sync.Mutex 保護
//   - EventRecoveries 內部自帶鎖，可同時有多個賽事 recovery 進行中
//
// ============================================================================

package producer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// MaxRecoveryTime 必須大於 0
	ErrInvalidMaxRecoveryTime = errors.New("max recovery time must be positive")
	// producer ID 必須大於 0
	ErrInvalidProducerID = errors.New("producer id must be positive")
)

// Config 建立 Producer 所需的設定
type Config struct {
	ID                     types.ProducerID
	Name                   string
	Scope                  string        // 例如 "live", "prematch", "virtual"
	APIPath                string        // recovery API 路徑，例如 "liveodds"
	MaxRecoveryTime        time.Duration // 單次 recovery 最長時間
	StatefulRecoveryWindow time.Duration // after-timestamp recovery 允許的最大回溯範圍
}

// Producer 上游資料來源
type Producer struct {
	id                     types.ProducerID
	name                   string
	scope                  string
	apiPath                string
	maxRecoveryTime        time.Duration
	statefulRecoveryWindow time.Duration

	mu                            sync.Mutex
	lastTimestampBeforeDisconnect time.Time

	// EventRecoveries 單一賽事 recovery 的待完成請求
	EventRecoveries *EventRecoveries
}

// New 建立 Producer
//
// 返回值：
//   - error: MaxRecoveryTime <= 0 或 ID <= 0 時返回錯誤
func New(cfg Config) (*Producer, error) {
	if cfg.ID <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidProducerID, cfg.ID)
	}
	if cfg.MaxRecoveryTime <= 0 {
		return nil, fmt.Errorf("%w: producer %d", ErrInvalidMaxRecoveryTime, cfg.ID)
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("producer-%d", cfg.ID)
	}

	return &Producer{
		id:                     cfg.ID,
		name:                   name,
		scope:                  cfg.Scope,
		apiPath:                cfg.APIPath,
		maxRecoveryTime:        cfg.MaxRecoveryTime,
		statefulRecoveryWindow: cfg.StatefulRecoveryWindow,
		EventRecoveries:        NewEventRecoveries(),
	}, nil
}

func (p *Producer) ID() types.ProducerID                  { return p.id }
func (p *Producer) Name() string                          { return p.name }
func (p *Producer) Scope() string                         { return p.scope }
func (p *Producer) APIPath() string                       { return p.apiPath }
func (p *Producer) MaxRecoveryTime() time.Duration        { return p.maxRecoveryTime }
func (p *Producer) StatefulRecoveryWindow() time.Duration { return p.statefulRecoveryWindow }

// SetLastTimestampBeforeDisconnect 記錄斷線前最後確認正常的時間點
// 零值時間會清除記錄
func (p *Producer) SetLastTimestampBeforeDisconnect(t time.Time) {
	p.mu.Lock()
	p.lastTimestampBeforeDisconnect = t
	p.mu.Unlock()
}

// LastTimestampBeforeDisconnect 讀取（不清除）斷線前時間點
func (p *Producer) LastTimestampBeforeDisconnect() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTimestampBeforeDisconnect, !p.lastTimestampBeforeDisconnect.IsZero()
}

// ConsumeLastTimestampBeforeDisconnect 讀取並清除斷線前時間點（只能被使用一次）
func (p *Producer) ConsumeLastTimestampBeforeDisconnect() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.lastTimestampBeforeDisconnect
	p.lastTimestampBeforeDisconnect = time.Time{}
	return t, !t.IsZero()
}

// String 用於日誌
func (p *Producer) String() string {
	return fmt.Sprintf("%s(%d)", p.name, p.id)
}
