package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiter_AcquireReducesTokens(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisLimiter(rdb, nil, "ebay", Spec{Rate: 10, Burst: 2})
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	tokensStr, err := rdb.HGet(context.Background(), limiter.key, "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestRedisLimiter_AcquireBlocksUntilToken(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisLimiter(rdb, nil, "heritage", Spec{Rate: 10, Burst: 1})
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	start := time.Now()
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("blocked acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 90*time.Millisecond {
		t.Fatalf("expected blocking, elapsed=%v", elapsed)
	}
}

func TestRedisLimiter_ContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisLimiter(rdb, nil, "whatnot", Spec{Rate: 1, Burst: 1})
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestRedisLimiter_ConcurrentAcquire(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisLimiter(rdb, nil, "comc", Spec{Rate: 5, Burst: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	timeout := 0

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Acquire(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			if errors.Is(err, ErrRateLimitTimeout) {
				timeout++
			}
		}()
	}

	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 immediate successes, got %d (timeout=%d)", success, timeout)
	}
}

func TestLocalLimiter_BurstThenBlocks(t *testing.T) {
	limiter := NewLocalLimiter("ebay", Spec{Rate: 10, Burst: 2})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("burst acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("burst should not block, elapsed=%v", elapsed)
	}

	start = time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected blocking after burst, elapsed=%v", elapsed)
	}
}

func TestLocalLimiter_ContextTimeout(t *testing.T) {
	limiter := NewLocalLimiter("ebay", Spec{Rate: 1, Burst: 1})
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestLocalLimiter_ZeroRateIsUnlimited(t *testing.T) {
	limiter := NewLocalLimiter("ebay", Spec{})
	for i := 0; i < 100; i++ {
		if err := limiter.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
}

func TestTable_PerMarketplaceIsolation(t *testing.T) {
	specs := map[string]Spec{
		"ebay":     {Rate: 1, Burst: 1},
		"heritage": {Rate: 1, Burst: 1},
	}
	table := NewTable([]string{"ebay", "heritage", "ebay"}, LocalFactory(func(m string) Spec { return specs[m] }))

	if err := table.Acquire(context.Background(), "ebay"); err != nil {
		t.Fatalf("ebay acquire: %v", err)
	}

	// ebay 的桶已空，heritage 不受影响
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := table.Acquire(ctx, "heritage"); err != nil {
		t.Fatalf("heritage acquire should not wait: %v", err)
	}
	if err := table.Acquire(ctx, "ebay"); !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ebay to be limited, got %v", err)
	}

	if table.Has("whatnot") {
		t.Fatal("whatnot was never registered")
	}
	if err := table.Acquire(ctx, "whatnot"); err != nil {
		t.Fatalf("unregistered marketplace should not be limited: %v", err)
	}
}

func TestRedisFactory_UsesMarketplaceKey(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	table := NewTable([]string{"ebay"}, RedisFactory(rdb, nil, func(string) Spec { return Spec{Rate: 5, Burst: 5} }))
	if err := table.Acquire(context.Background(), "ebay"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	exists, err := rdb.Exists(context.Background(), keyPrefix+"ebay").Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 1 {
		t.Fatalf("expected bucket key for ebay")
	}
}

func TestTimeoutMetricsArePerMarketplace(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	tests := []struct {
		name        string
		marketplace string
		limiter     Limiter
	}{
		{name: "local", marketplace: "mycomicshop", limiter: NewLocalLimiter("mycomicshop", Spec{Rate: 1, Burst: 1})},
		{name: "redis", marketplace: "heritage-metrics", limiter: NewRedisLimiter(rdb, nil, "heritage-metrics", Spec{Rate: 1, Burst: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limiter.Acquire(context.Background()); err != nil {
				t.Fatalf("warm acquire: %v", err)
			}
			before := timeoutCount(t, tt.marketplace)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			err := tt.limiter.Acquire(ctx)
			if !errors.Is(err, ErrRateLimitTimeout) {
				t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.marketplace) {
				t.Fatalf("error should name the marketplace: %v", err)
			}
			if got := timeoutCount(t, tt.marketplace); got != before+1 {
				t.Fatalf("timeouts for %s = %v, want %v", tt.marketplace, got, before+1)
			}
		})
	}
}

// timeoutCount 从默认注册表读取某市场的限流超时计数。
func timeoutCount(t *testing.T, marketplace string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "comiccomp_ratelimit_timeout_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "marketplace" && l.GetValue() == marketplace {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}
