package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
)

func TestHTTPJSON_Search(t *testing.T) {
	var gotQuery, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[
			{"id":"a1","title":"Amazing Spider-Man #300 CGC 9.8","price":"1250.00","condition":"CGC 9.8","sale_type":"auction","url":"https://x/a1"},
			{"id":"a2","title":"Amazing Spider-Man #300 Newsstand","price":310.5,"sale_type":"fixed","url":"https://x/a2"},
			{"id":"a3","title":"broken","price":{}}
		]}`)
	}))
	defer srv.Close()

	h := NewHTTPJSON(model.MarketplaceEbay, HTTPConfig{BaseURL: srv.URL + "/", Timeout: time.Second}, nil)
	listings, err := h.Search(context.Background(), "Amazing Spider-Man 300", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "Amazing Spider-Man 300" || gotLimit != "10" {
		t.Fatalf("unexpected request q=%q limit=%q", gotQuery, gotLimit)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 decodable listings, got %d", len(listings))
	}
	first := listings[0]
	if first.Marketplace != model.MarketplaceEbay || first.ID != "a1" || first.Price.StringFixed(2) != "1250.00" {
		t.Fatalf("unexpected first listing: %+v", first)
	}
	if first.SaleType != model.SaleTypeAuction || first.ConditionRaw != "CGC 9.8" {
		t.Fatalf("unexpected fields: %+v", first)
	}
	if len(first.RawData) == 0 || first.ScrapedAt.IsZero() {
		t.Fatal("expected raw data and scraped_at to be set")
	}
	if listings[1].Price.StringFixed(2) != "310.50" {
		t.Fatalf("numeric price not decoded: %s", listings[1].Price)
	}
}

func TestHTTPJSON_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind apperr.Kind
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantKind: apperr.KindRateLimit,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantKind: apperr.KindNetwork,
		},
		{
			name: "slow upstream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
				fmt.Fprint(w, `{"results":[]}`)
			},
			wantKind: apperr.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := NewHTTPJSON(model.MarketplaceHeritage, HTTPConfig{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, nil)
			_, err := h.Search(context.Background(), "Batman 1", SearchOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %s, want %s (err=%v)", got, tt.wantKind, err)
			}
			if !apperr.Retryable(err) {
				t.Fatalf("expected retryable error: %v", err)
			}
			if tt.wantKind == apperr.KindRateLimit && apperr.RetryAfter(err) != 2*time.Second {
				t.Fatalf("retry after = %s", apperr.RetryAfter(err))
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("seconds form = %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Errorf("date form = %s", got)
	}
}

func TestMock_Deterministic(t *testing.T) {
	m := NewMock(model.MarketplaceWhatnot, MockConfig{Seed: 7})
	ctx := context.Background()

	a, err := m.Search(ctx, "amazing spider-man 300", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	b, _ := NewMock(model.MarketplaceWhatnot, MockConfig{Seed: 7}).Search(ctx, "amazing spider-man 300", SearchOptions{})
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("expected identical non-empty results, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || !a[i].Price.Equal(b[i].Price) || a[i].Title != b[i].Title {
			t.Fatalf("listing %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Marketplace != model.MarketplaceWhatnot || !a[i].Price.IsPositive() {
			t.Fatalf("unexpected listing: %+v", a[i])
		}
	}

	capped, _ := m.Search(ctx, "amazing spider-man 300", SearchOptions{MaxResults: 2})
	if len(capped) != 2 {
		t.Fatalf("MaxResults not honored: %d", len(capped))
	}
}

func TestMock_FailureAndLatency(t *testing.T) {
	failing := NewMock(model.MarketplaceEbay, MockConfig{FailureRate: 1})
	_, err := failing.Search(context.Background(), "x", SearchOptions{})
	var netErr *apperr.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}

	slow := NewMock(model.MarketplaceEbay, MockConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Search(ctx, "x", SearchOptions{})
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Collection.EnabledMarketplaces = []string{"ebay", "heritage"}
	cfg.Adapters = map[string]config.AdapterConfig{
		"heritage": {Kind: "http", BaseURL: "http://127.0.0.1:1"},
	}

	reg, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "ebay" || got[1] != "heritage" {
		t.Fatalf("names = %v", got)
	}
	if a, _ := reg.Get("heritage"); a == nil {
		t.Fatal("heritage adapter missing")
	} else if _, ok := a.(*HTTPJSON); !ok {
		t.Fatalf("heritage should use HTTPJSON, got %T", a)
	}
	if a, _ := reg.Get("EBAY"); a == nil {
		t.Fatal("lookup should be case-insensitive")
	} else if _, ok := a.(*Mock); !ok {
		t.Fatalf("ebay should use Mock, got %T", a)
	}

	cfg.Adapters["ebay"] = config.AdapterConfig{Kind: "grpc"}
	if _, err := FromConfig(cfg, nil); !config.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
