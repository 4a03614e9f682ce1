package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string                          // 任務識別碼（log 與結果對應用）
	Run     func(ctx context.Context) error // 任務本體，需遵守 ctx 取消
	Timeout time.Duration                   // 執行超時時間（0 = 不限制）
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
