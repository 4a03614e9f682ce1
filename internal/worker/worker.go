// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes submitted tasks, one goroutine per Worker
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task with a per-task timeout context
//   3. Send result to resultCh (dropped when nobody is draining)
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   - Each task gets its own context derived from the pool's base context
//   - Task.Timeout > 0 wraps it with context.WithTimeout
//   - Task.Run is expected to honour ctx.Done()
//
// Error Handling:
//   - Run errors and panics are both reported through Result.Error
//   - A panicking task never takes the Worker down
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNilTask is reported for a task submitted without a Run function.
var ErrNilTask = errors.New("task has no run function")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker identifier, used for logging
	base     context.Context // Parent of every task context
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, base context.Context, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		base:     base,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		err := w.execute(ctx, task)
		cancel()

		if err != nil {
			log.Debug("Task failed",
				"worker", w.id,
				"task", task.ID,
				"error", err)
		}

		result := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			log.Warn("Result channel full, dropping result",
				"worker", w.id,
				"task", task.ID)
		}
	}
}

func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.base, task.Timeout)
	}
	return context.WithCancel(w.base)
}

// execute runs the task, converting a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if task.Run == nil {
		return ErrNilTask
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}
