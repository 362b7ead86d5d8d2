// Package app 根据配置组装各个服务，供 API 服务与命令行共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jaydubya818/comicogs-sub003/internal/adapter"
	"github.com/jaydubya818/comicogs-sub003/internal/aggregate"
	"github.com/jaydubya818/comicogs-sub003/internal/classify"
	"github.com/jaydubya818/comicogs-sub003/internal/collector"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/dedup"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/events"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/ratelimit"
	"github.com/jaydubya818/comicogs-sub003/internal/scheduler"
	"github.com/jaydubya818/comicogs-sub003/internal/storage"
	"github.com/jaydubya818/comicogs-sub003/internal/validate"
)

// App 持有进程内全部服务。Store、Redis、Publisher、Aggregator 在未配置时为 nil。
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *storage.Store
	Redis      *redis.Client
	Publisher  *events.Publisher
	Classifier *classify.Facade
	Aggregator *aggregate.Aggregator
	Collector  *collector.Orchestrator
	Scheduler  *scheduler.Scheduler
}

// New 组装服务。
//
// 依赖顺序：存储与 Redis → 适配器与限流 → 校验、分类、聚合 → 编排器 → 调度器。
// 配置错误原样返回（*apperr.ConfigurationError），调用方据此退出。
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	log = logger.OrDiscard(log)
	a := &App{Config: cfg, Logger: log}

	store, err := storage.Open(cfg.Database, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Info("storage disabled, results will not be persisted")
	case err != nil:
		return nil, err
	default:
		a.Store = store
		if err := store.EnsureMarketplaces(ctx, storage.MarketplaceRecords(cfg)); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		a.Publisher = events.NewPublisher(rdb, log, cfg.Aggregation.EventStream)
	}

	registry, err := adapter.FromConfig(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	specFor := func(m string) ratelimit.Spec {
		s := cfg.Collection.RateLimit.RateFor(m)
		return ratelimit.Spec{Rate: s.Rate, Burst: s.Burst}
	}
	factory := ratelimit.LocalFactory(specFor)
	if cfg.Collection.RateLimit.Backend == "redis" && a.Redis != nil {
		factory = ratelimit.RedisFactory(a.Redis, log, specFor)
	}
	limiters := ratelimit.NewTable(registry.Names(), factory)

	validator, err := validate.New(cfg.Validation)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Classifier, err = classify.NewFacade(cfg.Classification, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := collector.Deps{
		Registry:   registry,
		Limiters:   limiters,
		Validator:  validator,
		Classifier: a.Classifier,
		Logger:     log,
	}
	if a.Store != nil {
		var publisher aggregate.EventPublisher
		if a.Publisher != nil {
			publisher = a.Publisher
		}
		a.Aggregator = aggregate.New(a.Store, cfg.Aggregation, publisher, log)
		deps.Store = a.Store
		deps.Aggregator = a.Aggregator
	}

	a.Collector, err = collector.New(cfg.Collection, deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Redis 不可用时去重退化为进程内 LRU
	deduper := dedup.New(a.Redis, cfg.Scheduler.DedupWindow)
	a.Scheduler = scheduler.New(cfg.Scheduler, a.Collector, deduper, log)
	metrics.InitMetrics(cfg.Scheduler.Workers)

	log.Info("services ready",
		slog.Any("marketplaces", a.Collector.EnabledMarketplaces()),
		slog.String("database", cfg.Database.Driver),
		slog.Bool("redis", a.Redis != nil))
	return a, nil
}

// Ping 检查存储与 Redis 连接。
func (a *App) Ping(ctx context.Context) error {
	if a.Store != nil {
		if err := a.Store.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库与缓存连接，返回第一个错误。
func (a *App) Close() error {
	var firstErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
