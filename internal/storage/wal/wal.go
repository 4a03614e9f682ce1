package wal

// ============================================================================
// WAL 核心實作 - producer 狀態日誌
// 職責：
// 1. 追加 producer 事件（確認 alive、狀態變更）到日誌檔案（append-only）
// 2. 提供重放功能，啟動時在狀態檔之上補回最後的 alive 時間
// 3. 支援日誌旋轉（狀態檔寫入後清空）
// 4. 確保寫入持久性與資料完整性
//
// 恢復流程:
//   snapshot.Load() → WAL.Replay() → 每個 producer 最新的 alive 時間
//   狀態檔寫入成功後 Rotate()，日誌只保留上次狀態檔之後的事件
// ============================================================================

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都立即寫入並 fsync
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	// 截掉崩潰時寫到一半的尾端記錄，否則之後追加的事件在重放時讀不到
	if _, err := os.Stat(path); err == nil {
		var corruption *CorruptionError
		if err := replayFile(path, func(Event) error { return nil }); errors.As(err, &corruption) {
			if err := os.Truncate(path, corruption.Offset); err != nil {
				return nil, fmt.Errorf("wal: truncate corrupted tail: %w", err)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if lastEvent, err := GetLastEvent(path); err == nil && lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、補上 Timestamp、計算 checksum
// - 先進入 buffer，滿了、超過 flushInterval、force 或 syncOnAppend 時寫入
//
// 參數：
//
//	event - 事件（Seq/Checksum 由 WAL 填入）
//	force - 立即寫入並同步
func (w *WAL) Append(event Event, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	if force || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將 buffer 寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先寫入 buffer 中的事件，再從頭讀取檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 無法解析的記錄（通常是崩潰時寫到一半的最後一行）回傳 *CorruptionError，
//   之前的事件都已交給 handler
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	return replayFile(w.path, handler)
}

// replayFile 逐行讀取 WAL 檔案
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		offset  int64
		lastSeq uint64
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			offset += lineLen
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}

		lastSeq = event.Seq
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
	}
	return nil
}

// Rotate 清空日誌檔案
// 呼叫前狀態檔必須已經寫入成功
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	// 旋轉前的事件已包含在狀態檔中，直接丟棄 buffer
	w.buffer = w.buffer[:0]

	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.lastFlushTime = time.Now()

	return nil
}

// Close 關閉 WAL，關閉後不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// GetPath 取得 WAL 檔案路徑
func (w *WAL) GetPath() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return nil
}
