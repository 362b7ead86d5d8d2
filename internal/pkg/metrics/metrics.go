// Package metrics 定义进程级 Prometheus 指标。
//
// 指标通过 promauto 注册到默认 registry，由 /metrics 端点导出。
// 服务自身的统计（如 collector.Metrics）是按实例维护的，与这里互不影响。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectorRequestsTotal 适配器调用次数（按市场与结果）。
	CollectorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_collector_requests_total",
		Help: "Marketplace searches by marketplace and status.",
	}, []string{"marketplace", "status"})

	// CollectorRequestDuration 单个市场搜索耗时（含重试）。
	CollectorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comiccomp_collector_request_duration_seconds",
		Help:    "Marketplace search duration including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"marketplace"})

	// CollectorErrorsTotal 采集错误（按市场与错误类别）。
	CollectorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_collector_errors_total",
		Help: "Marketplace search errors by marketplace and kind.",
	}, []string{"marketplace", "kind"})

	// CollectorRetriesTotal 重试次数。
	CollectorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_collector_retries_total",
		Help: "Retried marketplace search attempts.",
	}, []string{"marketplace"})

	// ActiveCollections 正在进行的 CollectPricingData 调用数。
	ActiveCollections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comiccomp_active_collections",
		Help: "In-flight collection calls.",
	})

	// RateLimitWaitDuration 获取令牌的等待时间（按市场）。
	RateLimitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comiccomp_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a marketplace rate limit token.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"marketplace"})

	// RateLimitTimeoutTotal 等待令牌超时次数（按市场）。
	RateLimitTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_ratelimit_timeout_total",
		Help: "Marketplace rate limit waits abandoned because the context ended.",
	}, []string{"marketplace"})

	// ValidationDroppedTotal 校验丢弃的商品数（按原因）。
	ValidationDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_validation_dropped_total",
		Help: "Listings dropped by the validator.",
	}, []string{"reason"})

	// ClassificationCacheTotal 分类缓存命中 / 未命中。
	ClassificationCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_classification_cache_total",
		Help: "Classification cache lookups by result.",
	}, []string{"result"})

	// ClassificationDuration 单条分类耗时。
	ClassificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comiccomp_classification_duration_seconds",
		Help:    "Time to classify one listing (cache misses only).",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	// PriceHistoryUpsertsTotal 价格历史桶写入次数。
	PriceHistoryUpsertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comiccomp_price_history_upserts_total",
		Help: "Price history buckets recomputed and upserted.",
	})

	// PriceChangeEventsTotal 发布的价格变动事件数。
	PriceChangeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_price_change_events_total",
		Help: "Price change events published by direction.",
	}, []string{"direction"})

	// SchedulerJobsPushedTotal 调度入队的采集作业数。
	SchedulerJobsPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comiccomp_scheduler_jobs_pushed_total",
		Help: "Watchlist collections enqueued by the scheduler.",
	})

	// SchedulerJobsSkippedTotal 因去重或队列满被跳过的作业数。
	SchedulerJobsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comiccomp_scheduler_jobs_skipped_total",
		Help: "Watchlist collections skipped by reason.",
	}, []string{"reason"})

	// QueueDepth worker 队列中待处理作业数。
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comiccomp_queue_depth",
		Help: "Pending jobs in the worker queue.",
	})

	// WorkerPoolSize worker 数量。
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comiccomp_worker_pool_size",
		Help: "Configured worker count.",
	})
)

// InitMetrics 设置启动时即确定的指标值。
func InitMetrics(workers int) {
	WorkerPoolSize.Set(float64(workers))
	QueueDepth.Set(0)
}
