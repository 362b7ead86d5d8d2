package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const keyPrefix = "comiccomp:ratelimit:"

// Limiter 阻塞直到拿到一个令牌或 ctx 结束。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Spec 限流参数，Rate <= 0 表示不限流。
type Spec struct {
	Rate  float64
	Burst int
}

// Factory 为指定市场创建限流器。
type Factory func(marketplace string) Limiter

// Table 按市场持有独立的限流器。
//
// 构造时一次性创建全部限流器，之后只读，并发访问无需加锁。
type Table struct {
	limiters map[string]Limiter
}

// NewTable 为 marketplaces 中每个市场创建限流器。
func NewTable(marketplaces []string, factory Factory) *Table {
	t := &Table{limiters: make(map[string]Limiter, len(marketplaces))}
	for _, m := range marketplaces {
		if _, ok := t.limiters[m]; ok {
			continue
		}
		t.limiters[m] = factory(m)
	}
	return t
}

// Acquire 获取指定市场的令牌；未登记的市场不限流。
func (t *Table) Acquire(ctx context.Context, marketplace string) error {
	if t == nil {
		return nil
	}
	l, ok := t.limiters[marketplace]
	if !ok || l == nil {
		return nil
	}
	return l.Acquire(ctx)
}

// Has 判断市场是否登记了限流器。
func (t *Table) Has(marketplace string) bool {
	if t == nil {
		return false
	}
	_, ok := t.limiters[marketplace]
	return ok
}

// LocalFactory 返回进程内令牌桶工厂。
func LocalFactory(specFor func(marketplace string) Spec) Factory {
	return func(marketplace string) Limiter {
		return NewLocalLimiter(marketplace, specFor(marketplace))
	}
}

// RedisFactory 返回 Redis 令牌桶工厂，同一市场的所有进程共享一个桶。
func RedisFactory(rdb redis.Scripter, log *slog.Logger, specFor func(marketplace string) Spec) Factory {
	return func(marketplace string) Limiter {
		return NewRedisLimiter(rdb, log, marketplace, specFor(marketplace))
	}
}

// LocalLimiter 基于 x/time/rate 的进程内令牌桶。
type LocalLimiter struct {
	marketplace string
	lim         *rate.Limiter
}

// NewLocalLimiter 为市场创建进程内令牌桶。
func NewLocalLimiter(marketplace string, spec Spec) *LocalLimiter {
	l := &LocalLimiter{marketplace: marketplace}
	if spec.Rate > 0 {
		l.lim = rate.NewLimiter(rate.Limit(spec.Rate), spec.burst())
	}
	return l
}

func (l *LocalLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	start := time.Now()
	// Wait 在 ctx 结束或预计等待超过截止时间时返回错误
	if err := l.lim.Wait(ctx); err != nil {
		return timedOut(l.marketplace, start, err)
	}
	observeWait(l.marketplace, start)
	return nil
}

// marketBucketLua 扣减市场桶中的一个令牌。
// 返回 0 表示已拿到令牌，否则返回补足一个令牌还需等待的毫秒数。
const marketBucketLua = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000.0)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", ARGV[3])
redis.call("PEXPIRE", KEYS[1], math.ceil(burst * 2000.0 / rate))
return wait
`

var marketBucket = redis.NewScript(marketBucketLua)

// 多个进程同时醒来时错开重试
const wakeJitter = 10 * time.Millisecond

// RedisLimiter 以 Redis 哈希保存市场令牌桶，多个采集进程共享同一市场配额。
type RedisLimiter struct {
	rdb         redis.Scripter
	marketplace string
	key         string
	spec        Spec
	logger      *slog.Logger
}

// NewRedisLimiter 为市场创建共享令牌桶，key 为 keyPrefix+marketplace。
func NewRedisLimiter(rdb redis.Scripter, log *slog.Logger, marketplace string, spec Spec) *RedisLimiter {
	return &RedisLimiter{
		rdb:         rdb,
		marketplace: marketplace,
		key:         keyPrefix + marketplace,
		spec:        spec,
		logger:      logger.OrDiscard(log),
	}
}

func (r *RedisLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.spec.Rate <= 0 {
		return nil
	}
	start := time.Now()
	for {
		wait, err := r.take(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			observeWait(r.marketplace, start)
			return nil
		}
		wait += time.Duration(rand.Int63n(int64(wakeJitter)))
		r.logger.Debug("marketplace rate limited",
			slog.String("marketplace", r.marketplace),
			slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return timedOut(r.marketplace, start, ctx.Err())
		case <-timer.C:
		}
	}
}

// take 尝试扣减一个令牌，返回需要等待的时间。
func (r *RedisLimiter) take(ctx context.Context) (time.Duration, error) {
	ms, err := marketBucket.Run(ctx, r.rdb, []string{r.key},
		r.spec.Rate, r.spec.burst(), time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit bucket for %s: %w", r.marketplace, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s Spec) burst() int {
	if s.Burst <= 0 {
		return 1
	}
	return s.Burst
}

func observeWait(marketplace string, start time.Time) {
	metrics.RateLimitWaitDuration.WithLabelValues(marketplace).Observe(time.Since(start).Seconds())
}

func timedOut(marketplace string, start time.Time, cause error) error {
	observeWait(marketplace, start)
	metrics.RateLimitTimeoutTotal.WithLabelValues(marketplace).Inc()
	return fmt.Errorf("%w: %s: %v", ErrRateLimitTimeout, marketplace, cause)
}
