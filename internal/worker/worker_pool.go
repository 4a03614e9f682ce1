// ============================================================================
// Worker Pool - 非同步任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 使用情境:
//   recovery 請求必須立即拿到 request ID 並返回，實際的 HTTP 呼叫
//   交給 Pool 在背景執行，狀態機不會因為網路延遲而被卡住
//
// 架構組件:
//   ┌─────────────┐
//   │   Issuer    │ --TrySubmit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) / TrySubmit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成，取消 base context
//
// 並發控制:
//   - taskCh / resultCh: 帶緩衝 channel
//   - sendMu: Submit 持有讀鎖送出任務，Stop 持有寫鎖關閉 taskCh，
//     不會對已關閉的 channel 送資料
//   - mu: 保護 started/stopped 狀態
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - ErrPoolFull: TrySubmit 時 taskCh 已滿
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務通道已滿
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sendMu   sync.RWMutex
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// checkOpen 檢查 Pool 是否可以接受任務
func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	return nil
}

// Submit 提交任務，taskCh 滿時阻塞直到有空位或 Pool 關閉
func (p *Pool) Submit(task Task) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// TrySubmit 提交任務，taskCh 滿時立即返回 ErrPoolFull
func (p *Pool) TrySubmit(task Task) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// ReceiveResult 從結果通道接收執行結果
// Pool 停止且結果都讀完後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh，阻塞中的 Submit 返回 ErrPoolClosed
//  2. 取得 sendMu 寫鎖後關閉 taskCh
//  3. 等待所有 Worker 完成已排隊的任務
//  4. 取消 base context 並關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	p.cancel()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 目前排隊中的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
