// Package scheduler 按固定间隔为关注列表中的刊物派发采集作业。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaydubya818/comicogs-sub003/internal/collector"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/dedup"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/queue"
)

const (
	shutdownTimeout = 30 * time.Second
	statsInterval   = time.Minute
)

// Collector 执行一次采集。
type Collector interface {
	CollectPricingData(ctx context.Context, query string, opts collector.Options) *collector.Result
}

// Claimer 去重窗口内只允许一次认领。
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Scheduler 关注列表调度器。
//
// 每个周期为每个关注项入队一个作业；上一次采集仍在去重窗口内的关注项会被跳过。
type Scheduler struct {
	collector Collector
	claimer   Claimer
	queue     *queue.Queue
	logger    *slog.Logger
	interval  time.Duration
	watchlist []config.WatchItem
}

// New 创建调度器。claimer 为 nil 时不去重。
func New(cfg config.SchedulerConfig, c Collector, claimer Claimer, log *slog.Logger) *Scheduler {
	log = logger.OrDiscard(log)
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	q := queue.New(log, cfg.Workers, cfg.QueueCapacity)
	q.OnError(func(task queue.Task, err error) {
		log.Error("watchlist collection failed",
			slog.String("task", task.Name),
			slog.String("error", err.Error()))
	})

	return &Scheduler{
		collector: c,
		claimer:   claimer,
		queue:     q,
		logger:    log,
		interval:  interval,
		watchlist: cfg.Watchlist,
	}
}

// Run 启动 worker 并阻塞直到 ctx 结束，结束时等待已入队作业完成。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.String("interval", s.interval.String()),
		slog.Int("watchlist", len(s.watchlist)))

	s.queue.Start(ctx)

	// 首次立即调度一次
	s.EnqueueWatchlist(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			if err := s.queue.Shutdown(shutdownTimeout); err != nil {
				s.logger.Error("queue shutdown failed", slog.String("error", err.Error()))
			}
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.EnqueueWatchlist(ctx)
		case <-statsTicker.C:
			s.printQueueStats()
		}
	}
}

// EnqueueWatchlist 为每个关注项入队一次采集，返回入队数量。
func (s *Scheduler) EnqueueWatchlist(ctx context.Context) int {
	pushed := 0
	for _, w := range s.watchlist {
		if w.Query == "" {
			s.logger.Warn("watch item without query skipped", slog.String("item_id", w.ItemID))
			metrics.SchedulerJobsSkippedTotal.WithLabelValues("invalid").Inc()
			continue
		}

		key := dedup.WatchKey(w.ItemID, w.Query, w.Marketplaces)
		if !s.claim(ctx, key, w) {
			continue
		}

		if err := s.queue.TryEnqueue(s.task(w, key)); err != nil {
			metrics.SchedulerJobsSkippedTotal.WithLabelValues("queue_full").Inc()
			s.release(key)
			s.logger.Warn("enqueue watch item failed",
				slog.String("item_id", w.ItemID),
				slog.String("error", err.Error()))
			continue
		}
		metrics.SchedulerJobsPushedTotal.Inc()
		pushed++
	}
	if pushed > 0 {
		s.logger.Info("watchlist enqueued", slog.Int("count", pushed))
	}
	return pushed
}

// claim 去重失败时放行，避免 Redis 不可用导致采集停摆。
func (s *Scheduler) claim(ctx context.Context, key string, w config.WatchItem) bool {
	if s.claimer == nil {
		return true
	}
	ok, err := s.claimer.Claim(ctx, key)
	if err != nil {
		s.logger.Warn("dedup claim failed, dispatching anyway",
			slog.String("item_id", w.ItemID),
			slog.String("error", err.Error()))
		return true
	}
	if !ok {
		metrics.SchedulerJobsSkippedTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("watch item still in dedup window", slog.String("item_id", w.ItemID))
	}
	return ok
}

func (s *Scheduler) release(key string) {
	if s.claimer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.claimer.Release(ctx, key); err != nil {
		s.logger.Warn("dedup release failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) task(w config.WatchItem, key string) queue.Task {
	return queue.Task{
		Name: "watch:" + w.ItemID,
		Run: func(ctx context.Context) error {
			res := s.collector.CollectPricingData(ctx, w.Query, collector.Options{
				Marketplaces: w.Marketplaces,
				ItemID:       w.ItemID,
				Classify:     true,
			})
			s.logger.Info("watchlist collection finished",
				slog.String("item_id", w.ItemID),
				slog.Int("searched", res.Summary.MarketplacesSearched),
				slog.Int("successful", res.Summary.MarketplacesSuccessful),
				slog.Int("results", res.Summary.TotalResults))

			if res.Summary.MarketplacesSuccessful == 0 {
				// 全部失败时释放去重键，下个周期重试
				s.release(key)
				return fmt.Errorf("no marketplace succeeded for %q (%d errors)", w.Query, len(res.Errors))
			}
			return nil
		},
	}
}

// Stats 返回队列统计。
func (s *Scheduler) Stats() queue.Stats {
	return s.queue.Stats()
}

// Shutdown 关闭队列并等待作业完成，用于未调用 Run 的场景。
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	return s.queue.Shutdown(timeout)
}

func (s *Scheduler) printQueueStats() {
	stats := s.queue.Stats()
	s.logger.Info("queue statistics",
		slog.Int("pending", stats.Pending),
		slog.Int("capacity", stats.Capacity),
		slog.Int64("total_enqueued", stats.Enqueued),
		slog.Int64("total_processed", stats.Processed),
		slog.Int64("total_succeeded", stats.Succeeded),
		slog.Int64("total_failed", stats.Failed),
		slog.Int64("total_dropped", stats.Dropped),
		slog.Int64("total_panics", stats.Panics),
	)
}
