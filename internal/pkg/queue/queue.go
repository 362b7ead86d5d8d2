// Package queue 提供进程内的有界作业队列与固定 worker 池，
// 供调度器异步执行关注列表的采集作业。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

var (
	ErrClosed  = errors.New("queue closed")
	ErrFull    = errors.New("queue full")
	ErrNilTask = errors.New("task is nil")
)

// Task 一个带名字的异步作业，Name 用于日志与去重展示。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 作业失败（含 panic）时回调。
type ErrorHandler func(task Task, err error)

// Queue 有界作业队列。
type Queue struct {
	logger  *slog.Logger
	workers int
	tasks   chan Task
	onError ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex // 保护 tasks 关闭与发送之间的竞争

	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

// New 创建队列，workers 与 capacity 至少为 1。
func New(log *slog.Logger, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger.OrDiscard(log),
		workers: workers,
		tasks:   make(chan Task, capacity),
	}
}

// OnError 设置失败回调，需在 Start 之前调用。
func (q *Queue) OnError(h ErrorHandler) {
	q.onError = h
}

// Start 启动 worker，直到 ctx 结束或 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	metrics.WorkerPoolSize.Set(float64(q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
}

func (q *Queue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("queue worker stopped", slog.Int("worker_id", id))
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(q.tasks)))
			q.run(ctx, id, task)
		}
	}
}

func (q *Queue) run(ctx context.Context, workerID int, task Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			q.logger.Error("task panic recovered",
				slog.String("task", task.Name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		q.processed.Add(1)
		if err != nil {
			q.failed.Add(1)
			if q.onError != nil {
				q.onError(task, err)
			}
			return
		}
		q.succeeded.Add(1)
	}()

	start := time.Now()
	err = task.Run(ctx)
	if err != nil {
		q.logger.Warn("task failed",
			slog.String("task", task.Name),
			slog.Int("worker_id", workerID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
	}
}

// TryEnqueue 非阻塞入队，队列满返回 ErrFull。
func (q *Queue) TryEnqueue(task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		q.enqueued.Add(1)
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Warn("queue full, drop task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(q.tasks)))
		return ErrFull
	}
}

// Enqueue 阻塞入队直到成功或 ctx 结束。
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		q.enqueued.Add(1)
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新作业，等待已入队作业执行完毕或超时。
// timeout <= 0 表示一直等待。
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.mu.Unlock()
		return ErrClosed
	}
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		q.logger.Info("queue drained")
		return nil
	}
	select {
	case <-done:
		q.logger.Info("queue drained")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout", slog.Duration("timeout", timeout))
		return fmt.Errorf("queue shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Panics:    q.panics.Load(),
		Pending:   len(q.tasks),
		Capacity:  cap(q.tasks),
	}
}

// Closed 队列是否已关闭。
func (q *Queue) Closed() bool {
	return q.closed.Load()
}

func (q *Queue) String() string {
	s := q.Stats()
	return fmt.Sprintf("Queue[workers=%d pending=%d/%d processed=%d failed=%d dropped=%d]",
		q.workers, s.Pending, s.Capacity, s.Processed, s.Failed, s.Dropped)
}
