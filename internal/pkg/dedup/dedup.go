// Package dedup 在去重窗口内拦截重复的采集作业。
//
// 配置了 Redis 时使用 SETNX 共享去重状态，否则退化为进程内带过期的 LRU。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "comiccomp:dedup:watch:"

const localCapacity = 4096

// Deduplicator 以 (item, query, marketplaces) 为粒度做窗口去重。
type Deduplicator struct {
	rdb    *redis.Client
	local  *expirable.LRU[string, struct{}]
	window time.Duration
}

// New 创建去重器，rdb 为 nil 时使用进程内实现。
func New(rdb *redis.Client, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 30 * time.Minute
	}
	d := &Deduplicator{rdb: rdb, window: window}
	if rdb == nil {
		d.local = expirable.NewLRU[string, struct{}](localCapacity, nil, window)
	}
	return d
}

// WatchKey 生成作业去重 key，市场顺序不影响结果。
func WatchKey(itemID, query string, marketplaces []string) string {
	parts := make([]string, 0, len(marketplaces))
	parts = append(parts, marketplaces...)
	sort.Strings(parts)
	return strings.ToLower(strings.TrimSpace(itemID)) + "|" +
		strings.ToLower(strings.TrimSpace(query)) + "|" +
		strings.Join(parts, ",")
}

// Claim 尝试占用 key；窗口内已被占用时返回 false。
func (d *Deduplicator) Claim(ctx context.Context, key string) (bool, error) {
	if d == nil || key == "" {
		return true, nil
	}
	hashed := hashKey(key)
	if d.rdb == nil {
		if d.local.Contains(hashed) {
			return false, nil
		}
		d.local.Add(hashed, struct{}{})
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, keyPrefix+hashed, "1", d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 提前释放 key，用于作业入队失败时允许下次重试。
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if d == nil || key == "" {
		return nil
	}
	hashed := hashKey(key)
	if d.rdb == nil {
		d.local.Remove(hashed)
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+hashed).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
