package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
)

// MockConfig mock 适配器配置。
type MockConfig struct {
	Seed        int64
	Latency     time.Duration
	FailureRate float64 // [0,1]，每次调用独立判定
}

// Mock 确定性的模拟市场：同一 (市场, 查询, Seed) 总是返回相同的商品。
type Mock struct {
	marketplace model.Marketplace
	cfg         MockConfig

	mu  sync.Mutex
	rng *rand.Rand
}

type mockVariant struct {
	suffix    string
	condition string
	factor    float64
	saleType  model.SaleType
}

var mockVariants = []mockVariant{
	{suffix: "CGC 9.8 White Pages", condition: "CGC 9.8", factor: 6.0, saleType: model.SaleTypeAuction},
	{suffix: "Newsstand Edition VF/NM", condition: "VF/NM", factor: 1.4, saleType: model.SaleTypeFixed},
	{suffix: "CBCS 9.4", condition: "CBCS 9.4", factor: 2.6, saleType: model.SaleTypeAuction},
	{suffix: "Direct Edition NM", condition: "Near Mint", factor: 1.6, saleType: model.SaleTypeFixed},
	{suffix: "2nd Printing Fine", condition: "Fine", factor: 0.4, saleType: model.SaleTypeFixed},
	{suffix: "Cover B Virgin Variant NM-", condition: "NM-", factor: 1.3, saleType: model.SaleTypeFixed},
	{suffix: "CGC SS 9.6 Signed", condition: "CGC 9.6", factor: 4.5, saleType: model.SaleTypeAuction},
	{suffix: "Raw VG/FN", condition: "VG/FN", factor: 0.6, saleType: model.SaleTypeAuction},
	{suffix: "Facsimile Edition NM", condition: "NM", factor: 0.15, saleType: model.SaleTypeFixed},
}

// NewMock 创建 mock 适配器。
func NewMock(m model.Marketplace, cfg MockConfig) *Mock {
	return &Mock{
		marketplace: m,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed ^ int64(hash64(string(m))))),
	}
}

func (m *Mock) Name() string { return string(m.marketplace) }

// Search 返回根据查询生成的商品列表。
func (m *Mock) Search(ctx context.Context, query string, opts SearchOptions) ([]model.Listing, error) {
	source := string(m.marketplace)
	if m.cfg.Latency > 0 {
		timer := time.NewTimer(m.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &apperr.TimeoutError{Source: source, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &apperr.TimeoutError{Source: source, Err: err}
	}
	if m.shouldFail() {
		return nil, &apperr.NetworkError{Source: source, Err: errors.New("simulated upstream failure (503)")}
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	seed := hash64(source+"|"+strings.ToLower(query)) ^ uint64(m.cfg.Seed)
	count := 4 + int(seed%6)
	if opts.MaxResults > 0 && count > opts.MaxResults {
		count = opts.MaxResults
	}
	base := 20 + float64(seed%480)

	now := time.Now().UTC()
	listings := make([]model.Listing, 0, count)
	for i := 0; i < count; i++ {
		v := mockVariants[(int(seed>>8)+i)%len(mockVariants)]
		title := titleCase(query) + " " + v.suffix
		price := decimal.NewFromFloat(base * v.factor * (1 + float64(i%3)*0.05)).Round(2)
		id := fmt.Sprintf("%s-%012x-%d", source, seed&0xffffffffffff, i)
		item := map[string]interface{}{
			"id":        id,
			"title":     title,
			"price":     price.StringFixed(2),
			"condition": v.condition,
			"sale_type": string(v.saleType),
		}
		raw, _ := json.Marshal(item)

		listings = append(listings, model.Listing{
			ID:           id,
			Marketplace:  m.marketplace,
			Title:        title,
			Price:        price,
			ConditionRaw: v.condition,
			SaleType:     v.saleType,
			URL:          fmt.Sprintf("https://%s.example.com/listing/%s", source, id),
			ScrapedAt:    now,
			RawData:      raw,
		})
	}
	return listings, nil
}

func (m *Mock) shouldFail() bool {
	if m.cfg.FailureRate <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.cfg.FailureRate
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
