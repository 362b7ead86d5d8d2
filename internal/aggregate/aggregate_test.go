package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/events"
)

type memStore struct {
	mu       sync.Mutex
	listings []model.PricingData
	history  map[string]model.PriceHistoryBucket
}

func newMemStore() *memStore {
	return &memStore{history: make(map[string]model.PriceHistoryBucket)}
}

func bucketID(b model.PriceHistoryBucket) string {
	return b.ItemID + "|" + b.Marketplace + "|" + b.Condition + "|" + decimal.NewFromFloat(b.Grade).String() + "|" + b.DatePeriod
}

func (s *memStore) ListingsForDay(ctx context.Context, itemID, marketplace, day string) ([]model.PricingData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PricingData
	for _, l := range s.listings {
		if l.ItemID == itemID && l.Marketplace == marketplace && l.ObservedOn == day {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) ReplacePriceHistory(ctx context.Context, itemID, marketplace, day string, buckets []model.PriceHistoryBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.history {
		if b.ItemID == itemID && b.Marketplace == marketplace && b.DatePeriod == day {
			delete(s.history, id)
		}
	}
	for _, b := range buckets {
		s.history[bucketID(b)] = b
	}
	return nil
}

func (s *memStore) PriceHistory(ctx context.Context, q model.HistoryQuery) ([]model.PriceHistoryBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PriceHistoryBucket
	for _, b := range s.history {
		if q.ItemID != "" && b.ItemID != q.ItemID {
			continue
		}
		if q.Marketplace != "" && b.Marketplace != q.Marketplace {
			continue
		}
		if q.Condition != "" && b.Condition != q.Condition {
			continue
		}
		if q.Since != "" && b.DatePeriod < q.Since {
			continue
		}
		if q.Until != "" && b.DatePeriod >= q.Until {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PriceChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.PriceChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, ev)
	return "1-0", nil
}

func listing(id, day, condition string, grade float64, price string) model.PricingData {
	return model.PricingData{
		ItemID:          "asm-300",
		Marketplace:     "ebay",
		SourceListingID: id,
		Title:           "Amazing Spider-Man #300",
		Price:           decimal.RequireFromString(price),
		Condition:       condition,
		Grade:           grade,
		ObservedOn:      day,
	}
}

func testConfig() config.AggregationConfig {
	return config.AggregationConfig{PriceChangeThreshold: 10, TrendDays: 30}
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name   string
		prices []string
		want   Stats
	}{
		{
			name:   "odd count",
			prices: []string{"10", "20", "30"},
			want: Stats{Count: 3, Avg: decimal.RequireFromString("20"), Min: decimal.RequireFromString("10"),
				Max: decimal.RequireFromString("30"), Median: decimal.RequireFromString("20")},
		},
		{
			name:   "even count median is mean of middle values",
			prices: []string{"40", "10", "25", "30"},
			want: Stats{Count: 4, Avg: decimal.RequireFromString("26.25"), Min: decimal.RequireFromString("10"),
				Max: decimal.RequireFromString("40"), Median: decimal.RequireFromString("27.5")},
		},
		{
			name:   "average rounds to cents",
			prices: []string{"10", "10", "10.01"},
			want: Stats{Count: 3, Avg: decimal.RequireFromString("10"), Min: decimal.RequireFromString("10"),
				Max: decimal.RequireFromString("10.01"), Median: decimal.RequireFromString("10")},
		},
		{
			name: "empty",
			want: Stats{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prices := make([]decimal.Decimal, len(tt.prices))
			for i, p := range tt.prices {
				prices[i] = decimal.RequireFromString(p)
			}
			got := ComputeStats(prices)
			if got.Count != tt.want.Count ||
				!got.Avg.Equal(tt.want.Avg) || !got.Min.Equal(tt.want.Min) ||
				!got.Max.Equal(tt.want.Max) || !got.Median.Equal(tt.want.Median) {
				t.Fatalf("ComputeStats(%v) = %+v, want %+v", tt.prices, got, tt.want)
			}
		})
	}
}

func TestComputeStatsDoesNotReorderInput(t *testing.T) {
	prices := []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(1), decimal.NewFromInt(2)}
	ComputeStats(prices)
	if !prices[0].Equal(decimal.NewFromInt(3)) || !prices[1].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("input reordered: %v", prices)
	}
}

func TestUpdatePriceHistory_DailyBucket(t *testing.T) {
	store := newMemStore()
	store.listings = []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "10"),
		listing("b", "2026-03-01", "near_mint", 9.8, "20"),
		listing("c", "2026-03-01", "near_mint", 9.8, "30"),
		listing("d", "2026-03-01", "fine", 0, "5"),
		listing("e", "2026-03-02", "near_mint", 9.8, "99"),
	}
	agg := New(store, testConfig(), nil, nil)

	buckets, err := agg.UpdatePriceHistory(context.Background(), "asm-300", "ebay", mustDay(t, "2026-03-01"))
	if err != nil {
		t.Fatalf("UpdatePriceHistory: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	nm := buckets[1]
	if nm.Condition != "near_mint" || nm.Grade != 9.8 {
		t.Fatalf("unexpected bucket order: %+v", buckets)
	}
	if nm.SaleCount != 3 || !nm.AvgPrice.Equal(decimal.NewFromInt(20)) ||
		!nm.MinPrice.Equal(decimal.NewFromInt(10)) || !nm.MaxPrice.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected stats: %+v", nm)
	}
	if nm.DatePeriod != "2026-03-01" {
		t.Fatalf("date period = %q", nm.DatePeriod)
	}
}

func TestUpdatePriceHistory_Idempotent(t *testing.T) {
	store := newMemStore()
	store.listings = []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "10"),
		listing("b", "2026-03-01", "near_mint", 9.8, "20"),
	}
	agg := New(store, testConfig(), nil, nil)
	day := mustDay(t, "2026-03-01")

	for i := 0; i < 3; i++ {
		if _, err := agg.UpdatePriceHistory(context.Background(), "asm-300", "ebay", day); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(store.history) != 1 {
		t.Fatalf("expected a single bucket after repeated runs, got %d", len(store.history))
	}
	for _, b := range store.history {
		if b.SaleCount != 2 || !b.AvgPrice.Equal(decimal.NewFromInt(15)) {
			t.Fatalf("unexpected bucket: %+v", b)
		}
	}
}

func TestUpdatePriceHistory_NoListings(t *testing.T) {
	store := newMemStore()
	agg := New(store, testConfig(), nil, nil)
	buckets, err := agg.UpdatePriceHistory(context.Background(), "asm-300", "ebay", mustDay(t, "2026-03-01"))
	if err != nil || buckets != nil {
		t.Fatalf("buckets=%v err=%v", buckets, err)
	}
	if len(store.history) != 0 {
		t.Fatalf("empty day should leave no buckets, got %d", len(store.history))
	}
}

func TestUpdatePriceHistory_DropsVanishedGroups(t *testing.T) {
	tests := []struct {
		name  string
		after []model.PricingData
		want  []string
	}{
		{
			name:  "one group disappears",
			after: []model.PricingData{listing("a", "2026-03-01", "near_mint", 9.8, "10")},
			want:  []string{"near_mint"},
		},
		{
			name:  "group reclassified",
			after: []model.PricingData{listing("a", "2026-03-01", "very_fine", 8.0, "10")},
			want:  []string{"very_fine"},
		},
		{
			name:  "all listings gone",
			after: nil,
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.listings = []model.PricingData{
				listing("a", "2026-03-01", "near_mint", 9.8, "10"),
				listing("b", "2026-03-01", "fine", 0, "5"),
				listing("c", "2026-03-02", "fine", 0, "6"),
			}
			agg := New(store, testConfig(), nil, nil)
			ctx := context.Background()
			for _, day := range []string{"2026-03-01", "2026-03-02"} {
				if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, day)); err != nil {
					t.Fatal(err)
				}
			}
			if len(store.history) != 3 {
				t.Fatalf("seeded %d buckets, want 3", len(store.history))
			}

			store.listings = append(tt.after, listing("c", "2026-03-02", "fine", 0, "6"))
			if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-01")); err != nil {
				t.Fatal(err)
			}

			var got []string
			for _, b := range store.history {
				if b.DatePeriod == "2026-03-01" {
					got = append(got, b.Condition)
				}
			}
			if len(got) != len(tt.want) || (len(got) > 0 && got[0] != tt.want[0]) {
				t.Fatalf("day buckets = %v, want %v", got, tt.want)
			}
			if len(store.history)-len(got) != 1 {
				t.Fatal("other days must be untouched")
			}
		})
	}
}

func TestUpdatePriceHistory_MissingItemID(t *testing.T) {
	agg := New(newMemStore(), testConfig(), nil, nil)
	if _, err := agg.UpdatePriceHistory(context.Background(), "", "ebay", time.Now()); !errors.Is(err, ErrMissingItemID) {
		t.Fatalf("expected ErrMissingItemID, got %v", err)
	}
}

func TestUpdatePriceHistory_PublishesPriceChange(t *testing.T) {
	store := newMemStore()
	store.listings = []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "100"),
		listing("b", "2026-03-02", "near_mint", 9.8, "125"),
		listing("c", "2026-03-02", "fine", 0, "40"),
	}
	pub := &recordingPublisher{}
	agg := New(store, testConfig(), pub, nil)
	ctx := context.Background()

	if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-01")); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("first bucket has nothing to compare with, got %d events", len(pub.events))
	}

	if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-02")); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %+v", pub.events)
	}
	ev := pub.events[0]
	if ev.ChangePercent != 25 || ev.PreviousDate != "2026-03-01" || ev.Direction() != "up" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// 同一天重复计算不再发布
	if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-02")); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("recomputing the same day republished: %d events", len(pub.events))
	}
}

func TestUpdatePriceHistory_BelowThreshold(t *testing.T) {
	store := newMemStore()
	store.listings = []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "100"),
		listing("b", "2026-03-02", "near_mint", 9.8, "105"),
	}
	pub := &recordingPublisher{}
	agg := New(store, testConfig(), pub, nil)
	ctx := context.Background()
	_, _ = agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-01"))
	_, _ = agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-02"))
	if len(pub.events) != 0 {
		t.Fatalf("5%% change should not publish, got %+v", pub.events)
	}
}

func TestUpdatePriceHistory_PublishFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.listings = []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "100"),
		listing("b", "2026-03-02", "near_mint", 9.8, "50"),
	}
	pub := &recordingPublisher{err: errors.New("redis down")}
	agg := New(store, testConfig(), pub, nil)
	ctx := context.Background()
	_, _ = agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-01"))
	buckets, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, "2026-03-02"))
	if err != nil || len(buckets) != 1 {
		t.Fatalf("buckets=%v err=%v", buckets, err)
	}
}

func TestGetPriceTrends_MostRecentFirst(t *testing.T) {
	store := newMemStore()
	for _, l := range []model.PricingData{
		listing("a", "2026-03-01", "near_mint", 9.8, "100"),
		listing("b", "2026-03-02", "near_mint", 9.8, "110"),
		listing("c", "2026-03-03", "near_mint", 9.8, "99"),
		listing("d", "2026-03-02", "fine", 0, "40"),
		listing("old", "2026-01-01", "near_mint", 9.8, "70"),
	} {
		store.listings = append(store.listings, l)
	}
	agg := New(store, testConfig(), nil, nil)
	agg.now = func() time.Time { return mustDay(t, "2026-03-03").Add(12 * time.Hour) }
	ctx := context.Background()
	for _, d := range []string{"2026-01-01", "2026-03-01", "2026-03-02", "2026-03-03"} {
		if _, err := agg.UpdatePriceHistory(ctx, "asm-300", "ebay", mustDay(t, d)); err != nil {
			t.Fatal(err)
		}
	}

	points, err := agg.GetPriceTrends(ctx, "asm-300", TrendOptions{Days: 7})
	if err != nil {
		t.Fatalf("GetPriceTrends: %v", err)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points in window, got %d: %+v", len(points), points)
	}
	for i := 1; i < len(points); i++ {
		if points[i-1].Date < points[i].Date {
			t.Fatalf("points not most recent first: %s before %s", points[i-1].Date, points[i].Date)
		}
	}
	if points[0].Date != "2026-03-03" || points[0].ChangePercent == nil || *points[0].ChangePercent != -10 {
		t.Fatalf("unexpected latest point: %+v", points[0])
	}
	last := points[len(points)-1]
	if last.Date != "2026-03-01" || last.ChangePercent != nil {
		t.Fatalf("oldest point should have no change: %+v", last)
	}
	if last.Grade == nil || *last.Grade != 9.8 {
		t.Fatalf("grade lost: %+v", last)
	}

	fine, err := agg.GetPriceTrends(ctx, "asm-300", TrendOptions{Days: 7, Condition: "fine"})
	if err != nil || len(fine) != 1 || fine[0].Grade != nil {
		t.Fatalf("condition filter: %+v err=%v", fine, err)
	}
}

func TestGetPriceTrends_MissingItemID(t *testing.T) {
	agg := New(newMemStore(), testConfig(), nil, nil)
	if _, err := agg.GetPriceTrends(context.Background(), "", TrendOptions{}); !errors.Is(err, ErrMissingItemID) {
		t.Fatalf("expected ErrMissingItemID, got %v", err)
	}
}
