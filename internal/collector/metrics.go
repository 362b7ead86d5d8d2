package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
)

// Metrics GetCollectionMetrics 返回的快照。
type Metrics struct {
	Uptime             time.Duration                     `json:"-"`
	UptimeSeconds      float64                           `json:"uptime_seconds"`
	TotalSearches      int64                             `json:"total_searches"`
	SuccessfulSearches int64                             `json:"successful_searches"`
	SuccessRate        float64                           `json:"success_rate"`
	ErrorCount         int64                             `json:"error_count"`
	Marketplaces       map[string]model.MarketplaceStats `json:"marketplaces"`
	RecentErrors       []CollectionError                 `json:"recent_errors"`
}

// marketCounters 单个市场的累计计数，全部为原子操作。
type marketCounters struct {
	total     atomic.Int64
	success   atomic.Int64
	elapsedNs atomic.Int64
}

func (c *marketCounters) record(ok bool, elapsed time.Duration) {
	c.total.Add(1)
	if ok {
		c.success.Add(1)
	}
	c.elapsedNs.Add(int64(elapsed))
}

func (c *marketCounters) snapshot() model.MarketplaceStats {
	total := c.total.Load()
	success := c.success.Load()
	s := model.MarketplaceStats{TotalSearches: total, SuccessfulSearches: success}
	if total > 0 {
		s.ErrorRate = float64(total-success) / float64(total)
		s.AverageResponseTimeMs = float64(c.elapsedNs.Load()) / float64(total) / float64(time.Millisecond)
	}
	return s
}

// errorRing 固定容量的最近错误缓冲，写满后覆盖最旧的一条。
type errorRing struct {
	mu   sync.Mutex
	buf  []CollectionError
	next int
	full bool
}

func newErrorRing(size int) *errorRing {
	if size <= 0 {
		size = 100
	}
	return &errorRing{buf: make([]CollectionError, size)}
}

func (r *errorRing) add(e CollectionError) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// list 按时间顺序返回（最旧在前）。
func (r *errorRing) list() []CollectionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]CollectionError, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]CollectionError, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// GetCollectionMetrics 返回自实例创建以来的采集统计。
func (o *Orchestrator) GetCollectionMetrics() Metrics {
	uptime := time.Since(o.startedAt)
	m := Metrics{
		Uptime:        uptime,
		UptimeSeconds: uptime.Seconds(),
		ErrorCount:    o.errorCount.Load(),
		Marketplaces:  make(map[string]model.MarketplaceStats, len(o.counters)),
		RecentErrors:  o.recent.list(),
	}
	for name, c := range o.counters {
		s := c.snapshot()
		m.Marketplaces[name] = s
		m.TotalSearches += s.TotalSearches
		m.SuccessfulSearches += s.SuccessfulSearches
	}
	if m.TotalSearches > 0 {
		m.SuccessRate = float64(m.SuccessfulSearches) / float64(m.TotalSearches)
	}
	return m
}
