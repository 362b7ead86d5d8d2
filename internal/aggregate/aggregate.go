// Package aggregate 将每日价格记录汇总为价格历史桶，并提供趋势查询。
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/events"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

var ErrMissingItemID = errors.New("item id is required")

// Store 汇总所需的存储能力。
type Store interface {
	ListingsForDay(ctx context.Context, itemID, marketplace, day string) ([]model.PricingData, error)
	// ReplacePriceHistory 以 buckets 替换某刊物某市场某天的全部价格桶。
	ReplacePriceHistory(ctx context.Context, itemID, marketplace, day string, buckets []model.PriceHistoryBucket) error
	PriceHistory(ctx context.Context, q model.HistoryQuery) ([]model.PriceHistoryBucket, error)
}

// EventPublisher 价格变动事件发布者。
type EventPublisher interface {
	Publish(ctx context.Context, ev events.PriceChangeEvent) (string, error)
}

// TrendOptions 趋势查询条件。
type TrendOptions struct {
	Marketplace string
	Condition   string
	Days        int
}

// TrendPoint 趋势中的一个点（某天、某市场、某品相/评级）。
type TrendPoint struct {
	Date          string          `json:"date"`
	Marketplace   string          `json:"marketplace"`
	Condition     string          `json:"condition"`
	Grade         *float64        `json:"grade"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MinPrice      decimal.Decimal `json:"min_price"`
	MaxPrice      decimal.Decimal `json:"max_price"`
	MedianPrice   decimal.Decimal `json:"median_price"`
	SaleCount     int             `json:"sale_count"`
	ChangePercent *float64        `json:"change_percent,omitempty"` // 相对同一序列上一个点
}

// Aggregator 价格历史汇总器。
type Aggregator struct {
	store     Store
	publisher EventPublisher
	threshold float64
	trendDays int
	logger    *slog.Logger
	now       func() time.Time
}

// New 创建汇总器，publisher 可以为 nil。
func New(store Store, cfg config.AggregationConfig, publisher EventPublisher, log *slog.Logger) *Aggregator {
	days := cfg.TrendDays
	if days <= 0 {
		days = 30
	}
	return &Aggregator{
		store:     store,
		publisher: publisher,
		threshold: cfg.PriceChangeThreshold,
		trendDays: days,
		logger:    logger.OrDiscard(log),
		now:       time.Now,
	}
}

type bucketKey struct {
	condition string
	grade     float64
}

// UpdatePriceHistory 重新计算某刊物在某市场某天的全部价格桶并替换当天已有的桶。
//
// 同一天同样的记录重复计算得到相同结果；当天不再有记录的品相/评级组合会被删除。日均价相对上一个同键桶的变动
// 达到阈值时发布价格变动事件，发布失败只记录日志。
func (a *Aggregator) UpdatePriceHistory(ctx context.Context, itemID, marketplace string, day time.Time) ([]model.PriceHistoryBucket, error) {
	if itemID == "" {
		return nil, ErrMissingItemID
	}
	dayKey := model.DateKey(day)

	rows, err := a.store.ListingsForDay(ctx, itemID, marketplace, dayKey)
	if err != nil {
		return nil, fmt.Errorf("load listings for %s: %w", dayKey, err)
	}
	if len(rows) == 0 {
		if err := a.store.ReplacePriceHistory(ctx, itemID, marketplace, dayKey, nil); err != nil {
			return nil, fmt.Errorf("clear price history: %w", err)
		}
		return nil, nil
	}

	groups := make(map[bucketKey][]decimal.Decimal)
	for _, r := range rows {
		k := bucketKey{condition: r.Condition, grade: r.Grade}
		if k.condition == "" {
			k.condition = "unknown"
		}
		groups[k] = append(groups[k], r.Price)
	}

	buckets := make([]model.PriceHistoryBucket, 0, len(groups))
	for k, prices := range groups {
		s := ComputeStats(prices)
		buckets = append(buckets, model.PriceHistoryBucket{
			ItemID:      itemID,
			Marketplace: marketplace,
			Condition:   k.condition,
			Grade:       k.grade,
			DatePeriod:  dayKey,
			AvgPrice:    s.Avg,
			MinPrice:    s.Min,
			MaxPrice:    s.Max,
			MedianPrice: s.Median,
			SaleCount:   s.Count,
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Condition != buckets[j].Condition {
			return buckets[i].Condition < buckets[j].Condition
		}
		return buckets[i].Grade < buckets[j].Grade
	})

	changes := a.detectChanges(ctx, buckets)

	if err := a.store.ReplacePriceHistory(ctx, itemID, marketplace, dayKey, buckets); err != nil {
		return nil, fmt.Errorf("replace price history: %w", err)
	}
	metrics.PriceHistoryUpsertsTotal.Add(float64(len(buckets)))

	a.publish(ctx, changes)
	return buckets, nil
}

// detectChanges 与同键最近一个更早的桶比较日均价。
func (a *Aggregator) detectChanges(ctx context.Context, buckets []model.PriceHistoryBucket) []events.PriceChangeEvent {
	if a.publisher == nil || a.threshold <= 0 || len(buckets) == 0 {
		return nil
	}
	first := buckets[0]
	day, err := time.Parse("2006-01-02", first.DatePeriod)
	if err != nil {
		return nil
	}
	// 连同当天已有的桶一起取出，重复计算时不重复发布
	history, err := a.store.PriceHistory(ctx, model.HistoryQuery{
		ItemID:      first.ItemID,
		Marketplace: first.Marketplace,
		Until:       model.DateKey(day.AddDate(0, 0, 1)),
	})
	if err != nil {
		a.logger.Warn("load previous buckets failed",
			slog.String("item_id", first.ItemID),
			slog.String("error", err.Error()))
		return nil
	}

	latest := make(map[bucketKey]model.PriceHistoryBucket)
	current := make(map[bucketKey]model.PriceHistoryBucket)
	for _, h := range history {
		k := bucketKey{condition: h.Condition, grade: h.Grade}
		if h.DatePeriod == first.DatePeriod {
			current[k] = h
			continue
		}
		if prev, ok := latest[k]; !ok || h.DatePeriod > prev.DatePeriod {
			latest[k] = h
		}
	}

	var out []events.PriceChangeEvent
	for _, b := range buckets {
		k := bucketKey{condition: b.Condition, grade: b.Grade}
		if cur, ok := current[k]; ok && cur.AvgPrice.Equal(b.AvgPrice) {
			continue
		}
		prev, ok := latest[k]
		if !ok || !prev.AvgPrice.IsPositive() {
			continue
		}
		pct, _ := b.AvgPrice.Sub(prev.AvgPrice).Div(prev.AvgPrice).Mul(decimal.NewFromInt(100)).Round(2).Float64()
		if abs(pct) < a.threshold {
			continue
		}
		out = append(out, events.PriceChangeEvent{
			ItemID:        b.ItemID,
			Marketplace:   b.Marketplace,
			Condition:     b.Condition,
			Grade:         b.Grade,
			DatePeriod:    b.DatePeriod,
			PreviousDate:  prev.DatePeriod,
			PreviousAvg:   prev.AvgPrice,
			CurrentAvg:    b.AvgPrice,
			ChangePercent: pct,
			SaleCount:     b.SaleCount,
		})
	}
	return out
}

func (a *Aggregator) publish(ctx context.Context, changes []events.PriceChangeEvent) {
	for _, ev := range changes {
		if _, err := a.publisher.Publish(ctx, ev); err != nil {
			a.logger.Warn("publish price change failed",
				slog.String("item_id", ev.ItemID),
				slog.String("marketplace", ev.Marketplace),
				slog.String("error", err.Error()))
		}
	}
}

// GetPriceTrends 返回最近 Days 天的价格点，按日期倒序。
func (a *Aggregator) GetPriceTrends(ctx context.Context, itemID string, opts TrendOptions) ([]TrendPoint, error) {
	if itemID == "" {
		return nil, ErrMissingItemID
	}
	days := opts.Days
	if days <= 0 {
		days = a.trendDays
	}
	since := model.DateKey(a.now().AddDate(0, 0, -(days - 1)))

	rows, err := a.store.PriceHistory(ctx, model.HistoryQuery{
		ItemID:      itemID,
		Marketplace: opts.Marketplace,
		Condition:   opts.Condition,
		Since:       since,
	})
	if err != nil {
		return nil, fmt.Errorf("load price history: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DatePeriod != rows[j].DatePeriod {
			return rows[i].DatePeriod > rows[j].DatePeriod
		}
		if rows[i].Marketplace != rows[j].Marketplace {
			return rows[i].Marketplace < rows[j].Marketplace
		}
		if rows[i].Condition != rows[j].Condition {
			return rows[i].Condition < rows[j].Condition
		}
		return rows[i].Grade < rows[j].Grade
	})

	points := make([]TrendPoint, len(rows))
	for i, r := range rows {
		points[i] = TrendPoint{
			Date:        r.DatePeriod,
			Marketplace: r.Marketplace,
			Condition:   r.Condition,
			Grade:       model.GradeFromKey(r.Grade),
			AvgPrice:    r.AvgPrice,
			MinPrice:    r.MinPrice,
			MaxPrice:    r.MaxPrice,
			MedianPrice: r.MedianPrice,
			SaleCount:   r.SaleCount,
		}
	}

	// 倒序遍历，按序列计算相对上一个（更早）点的变动
	type seriesKey struct {
		marketplace, condition string
		grade                  float64
	}
	older := make(map[seriesKey]decimal.Decimal)
	for i := len(rows) - 1; i >= 0; i-- {
		k := seriesKey{rows[i].Marketplace, rows[i].Condition, rows[i].Grade}
		if prev, ok := older[k]; ok && prev.IsPositive() {
			pct, _ := rows[i].AvgPrice.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2).Float64()
			points[i].ChangePercent = &pct
		}
		older[k] = rows[i].AvgPrice
	}
	return points, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
