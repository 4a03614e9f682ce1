package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
)

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 從頭掃描到檔尾，回傳最後一個成功解析且 checksum 正確的事件；
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil && last == nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ProducerState 重放後得到的單一 producer 狀態
type ProducerState struct {
	LastAliveMs int64
	Status      types.RecoveryStatus
}

// Fold 將事件套用到 producer 狀態表
// alive 時間只會往前推進
func Fold(states map[types.ProducerID]ProducerState, event Event) {
	st := states[event.ProducerID]
	switch event.Type {
	case EventAliveConfirmed:
		if event.AliveMs > st.LastAliveMs {
			st.LastAliveMs = event.AliveMs
		}
	case EventStatusChange:
		st.Status = event.Status
	}
	states[event.ProducerID] = st
}

// LoadStates 重放整個 WAL，回傳每個 producer 的最新狀態
// 遇到損壞的尾端記錄時回傳已套用的狀態與錯誤
func LoadStates(path string) (map[types.ProducerID]ProducerState, error) {
	states := make(map[types.ProducerID]ProducerState)
	err := replayFile(path, func(event Event) error {
		Fold(states, event)
		return nil
	})
	return states, err
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] ALIVE_CONFIRMED producer=1 alive=2024-06-01T18:00:00Z (checksum:0x12345678)
//	[Seq:2] STATUS_CHANGE producer=1 status=completed (checksum:0x87654321)
func DumpWAL(path string, w io.Writer) error {
	err := replayFile(path, func(event Event) error {
		var detail string
		switch event.Type {
		case EventAliveConfirmed:
			detail = "alive=" + time.UnixMilli(event.AliveMs).UTC().Format(time.RFC3339Nano)
		case EventStatusChange:
			detail = "status=" + string(event.Status)
		}
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s producer=%d %s (checksum:0x%08x)\n",
			event.Seq, event.Type, event.ProducerID, detail, event.Checksum)
		return werr
	})
	var corruption *CorruptionError
	if errors.As(err, &corruption) {
		_, _ = fmt.Fprintf(w, "[corrupted] %v\n", corruption)
	}
	return err
}
