// ============================================================================
// Feed envelope 解碼
// ============================================================================
//
// Package: internal/feed
// 文件: decoder.go
// 功能: 將 JSON-lines 格式的訊息信封解碼為 types.Message，並套用到 controller
//
// 行格式（一行一個 JSON 物件）:
//
//   {"kind":"alive","producer":1,"timestamp":1717264800000,"subscribed":true}
//   {"kind":"snapshot_complete","producer":1,"request_id":7,"interest":"live"}
//   {"kind":"odds_change","producer":1,"timestamp":1717264801000,"event_id":"sr:match:1"}
//   {"kind":"connection_shutdown","at":1717264900000}
//   {"kind":"tick","at":1717264910000}
//
//   - timestamp / at: Unix 毫秒；at 是接收時間，replay 用它推進 mock clock
//   - alive 沒有 interest 時走 system 通道，其餘訊息走 user 通道（預設 interest "all"）
//   - 空行與 # 開頭的行會被略過
//
// 控制行:
//   connection_shutdown  → Target.ConnectionShutdown()
//   connection_recovered → Target.ConnectionRecovered()
//   tick                 → Target.CheckStatuses()
//
// ============================================================================

package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/goccy/go-json"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 未知的訊息類型
	ErrUnknownKind = errors.New("unknown envelope kind")
	// 訊息缺少 producer
	ErrMissingProducer = errors.New("envelope has no producer")
	// snapshot_complete 缺少 request_id
	ErrMissingRequestID = errors.New("snapshot_complete has no request_id")
)

// Control 控制行類型
type Control string

const (
	ControlNone                Control = ""
	ControlConnectionShutdown  Control = "connection_shutdown"
	ControlConnectionRecovered Control = "connection_recovered"
	ControlTick                Control = "tick"
)

// Envelope 一行的原始 JSON 結構
type Envelope struct {
	Kind       string `json:"kind"`
	Producer   int    `json:"producer,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Subscribed bool   `json:"subscribed,omitempty"`
	RequestID  int64  `json:"request_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Interest   string `json:"interest,omitempty"`
	At         int64  `json:"at,omitempty"`
}

// Record 解碼後的一行
type Record struct {
	Line     int
	At       time.Time // 接收時間，未提供時為零值
	Control  Control
	Message  types.Message
	Interest types.MessageInterest // 只對 user 通道有意義
	System   bool                  // 是否走 system 通道
}

// Decode 將 Envelope 轉為 Record
func (e Envelope) Decode() (Record, error) {
	var rec Record
	if e.At > 0 {
		rec.At = time.UnixMilli(e.At).UTC()
	}

	switch c := Control(e.Kind); c {
	case ControlConnectionShutdown, ControlConnectionRecovered, ControlTick:
		rec.Control = c
		return rec, nil
	}

	kind := types.MessageKind(e.Kind)
	if !kind.Valid() {
		return rec, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Producer <= 0 {
		return rec, ErrMissingProducer
	}
	if kind == types.KindSnapshotComplete && e.RequestID == 0 {
		return rec, ErrMissingRequestID
	}

	rec.Message = types.Message{
		Kind:       kind,
		ProducerID: types.ProducerID(e.Producer),
		Subscribed: e.Subscribed,
		RequestID:  types.RequestID(e.RequestID),
		EventID:    e.EventID,
	}
	if e.Timestamp > 0 {
		rec.Message.Timestamp = time.UnixMilli(e.Timestamp).UTC()
	}

	rec.Interest = types.MessageInterest(e.Interest)
	if kind == types.KindAlive && rec.Interest == "" {
		rec.System = true
	} else if rec.Interest == "" {
		rec.Interest = types.InterestAll
	}
	return rec, nil
}

// ============================================================================
// Decoder
// ============================================================================

// Decoder 逐行讀取 envelope
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder 建立 Decoder
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: s}
}

// Next 返回下一筆 Record；讀完時返回 io.EOF
// 單行解碼失敗時返回帶行號的錯誤，之後仍可繼續呼叫 Next
func (d *Decoder) Next() (Record, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Record{Line: d.line}, fmt.Errorf("line %d: %w", d.line, err)
		}
		rec, err := env.Decode()
		rec.Line = d.line
		if err != nil {
			return rec, fmt.Errorf("line %d: %w", d.line, err)
		}
		return rec, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// ============================================================================
// 套用到 controller
// ============================================================================

// Target 接收解碼後訊息的一方（controller.Controller）
type Target interface {
	ProcessSystemMessage(msg types.Message) error
	ProcessUserMessage(msg types.Message, interest types.MessageInterest) error
	ConnectionShutdown()
	ConnectionRecovered()
	CheckStatuses()
}

// Apply 將一筆 Record 套用到 Target
func Apply(t Target, rec Record) error {
	switch rec.Control {
	case ControlConnectionShutdown:
		t.ConnectionShutdown()
		return nil
	case ControlConnectionRecovered:
		t.ConnectionRecovered()
		return nil
	case ControlTick:
		t.CheckStatuses()
		return nil
	}

	if rec.System {
		return t.ProcessSystemMessage(rec.Message)
	}
	return t.ProcessUserMessage(rec.Message, rec.Interest)
}

// Stats Pump 的統計
type Stats struct {
	Applied int
	Skipped int
}

// Pump 讀取 r 中所有 envelope 並套用到 t
//
// before 不為 nil 時在每筆 Record 套用前呼叫（replay 用來推進 mock clock）。
// 解碼或套用失敗的行會被記錄並略過；ctx 取消或讀完時返回
func Pump(ctx context.Context, r io.Reader, t Target, before func(Record)) (Stats, error) {
	var stats Stats
	dec := NewDecoder(r)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			if rec.Line == 0 {
				return stats, err
			}
			log.Warn("Skipping envelope", "line", rec.Line, "error", err)
			stats.Skipped++
			continue
		}

		if before != nil {
			before(rec)
		}
		if err := Apply(t, rec); err != nil {
			log.Warn("Envelope not applied", "line", rec.Line, "error", err)
			stats.Skipped++
			continue
		}
		stats.Applied++
	}
}
