// Package events 通过 Redis Streams 发布与读取价格变动事件。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

const (
	DefaultStream = "comiccomp:price:events"
	maxStreamLen  = 100000
	dataField     = "data"
)

// PriceChangeEvent 同一价格桶的日均价相对上一个桶的变动。
type PriceChangeEvent struct {
	ItemID        string          `json:"item_id"`
	Marketplace   string          `json:"marketplace"`
	Condition     string          `json:"condition"`
	Grade         float64         `json:"grade"`
	DatePeriod    string          `json:"date_period"`
	PreviousDate  string          `json:"previous_date"`
	PreviousAvg   decimal.Decimal `json:"previous_avg"`
	CurrentAvg    decimal.Decimal `json:"current_avg"`
	ChangePercent float64         `json:"change_percent"`
	SaleCount     int             `json:"sale_count"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Direction 返回 up 或 down。
func (e PriceChangeEvent) Direction() string {
	if e.ChangePercent < 0 {
		return "down"
	}
	return "up"
}

// Message 从 stream 读出的一条事件。
type Message struct {
	ID    string           `json:"id"`
	Event PriceChangeEvent `json:"event"`
}

// Publisher 写入与读取事件 stream。
type Publisher struct {
	rdb    *redis.Client
	stream string
	logger *slog.Logger
}

// NewPublisher 创建发布者，stream 为空时使用 DefaultStream。
func NewPublisher(rdb *redis.Client, log *slog.Logger, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{rdb: rdb, stream: stream, logger: logger.OrDiscard(log)}
}

// Stream 返回 stream 名称。
func (p *Publisher) Stream() string {
	return p.stream
}

// Publish 以 JSON 形式 XADD 一条事件，返回消息 ID。
func (p *Publisher) Publish(ctx context.Context, ev PriceChangeEvent) (string, error) {
	if p == nil || p.rdb == nil {
		return "", fmt.Errorf("events: publisher not configured")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: false,
		Values: map[string]interface{}{dataField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}

	metrics.PriceChangeEventsTotal.WithLabelValues(ev.Direction()).Inc()
	p.logger.Info("price change published",
		slog.String("item_id", ev.ItemID),
		slog.String("marketplace", ev.Marketplace),
		slog.String("condition", ev.Condition),
		slog.Float64("change_percent", ev.ChangePercent),
		slog.String("msg_id", id))
	return id, nil
}

// Read 读取 afterID 之后（不含）的最多 count 条事件，afterID 为空时从头读取。
func (p *Publisher) Read(ctx context.Context, afterID string, count int64) ([]Message, error) {
	if p == nil || p.rdb == nil {
		return nil, fmt.Errorf("events: publisher not configured")
	}
	if count <= 0 {
		count = 100
	}
	start := "-"
	fetch := count
	if afterID != "" {
		// 起点包含 afterID 本身，多取一条再跳过
		start = afterID
		fetch++
	}

	entries, err := p.rdb.XRangeN(ctx, p.stream, start, "+", fetch).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange failed: %w", err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == afterID || int64(len(out)) >= count {
			continue
		}
		raw, ok := entry.Values[dataField].(string)
		if !ok {
			p.logger.Warn("skip malformed event", slog.String("msg_id", entry.ID))
			continue
		}
		var ev PriceChangeEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			p.logger.Warn("skip undecodable event",
				slog.String("msg_id", entry.ID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, Message{ID: entry.ID, Event: ev})
	}
	return out, nil
}

// Len 返回 stream 中的消息数。
func (p *Publisher) Len(ctx context.Context) (int64, error) {
	n, err := p.rdb.XLen(ctx, p.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}
