package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/jaydubya818/comicogs-sub003/internal/collector"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}
	return cfg
}

func TestNew_WiresPipeline(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis = config.RedisConfig{Enabled: true, Addr: mr.Addr()}
	cfg.Collection.RateLimit.Backend = "redis"

	ctx := context.Background()
	a, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if a.Store == nil || a.Redis == nil || a.Publisher == nil || a.Aggregator == nil {
		t.Fatalf("expected every service wired: %+v", a)
	}
	if err := a.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	res := a.Collector.CollectPricingData(ctx, "Amazing Spider-Man #300", collector.Options{ItemID: "asm-300", Classify: true})
	if res.Summary.MarketplacesSuccessful != len(cfg.Collection.EnabledMarketplaces) {
		t.Fatalf("unexpected summary: %+v warnings=%v", res.Summary, res.Warnings)
	}
	if res.ProcessedData.Persisted == 0 {
		t.Fatal("expected persisted rows")
	}

	rows, err := a.Store.GetCurrentPricing(ctx, "asm-300", storage.PricingFilter{Limit: 500})
	if err != nil || len(rows) != res.ProcessedData.Persisted {
		t.Fatalf("rows=%d persisted=%d err=%v", len(rows), res.ProcessedData.Persisted, err)
	}
	buckets, err := a.Store.PriceHistory(ctx, model.HistoryQuery{ItemID: "asm-300"})
	if err != nil || len(buckets) == 0 {
		t.Fatalf("expected price history buckets, got %d err=%v", len(buckets), err)
	}

	marketplaces, err := a.Store.ListMarketplaces(ctx)
	if err != nil || len(marketplaces) != len(model.Marketplaces()) {
		t.Fatalf("marketplaces=%d err=%v", len(marketplaces), err)
	}
}

func TestNew_StorageDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "none"

	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if a.Store != nil || a.Aggregator != nil {
		t.Fatal("storage should be disabled")
	}
	res := a.Collector.CollectPricingData(context.Background(), "Saga #1", collector.Options{})
	if res.Summary.MarketplacesSuccessful == 0 || res.ProcessedData.Persisted != 0 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
}

func TestNew_ConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "none"
	cfg.Adapters = map[string]config.AdapterConfig{"ebay": {Kind: "ftp"}}

	if _, err := New(context.Background(), cfg, nil); !config.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
