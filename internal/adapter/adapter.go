// Package adapter 定义市场适配器契约与注册表。
//
// 具体市场的抓取实现不在本模块内；这里提供通用的 HTTP JSON 适配器
// 与用于演示、测试的确定性 mock 适配器。
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
)

// SearchOptions 单次搜索参数。
type SearchOptions struct {
	MaxResults int
}

// Adapter 市场适配器。
//
// Search 失败时应返回 apperr 中的类型化错误：429 为 RateLimitError，
// 传输层错误与 5xx 为 NetworkError，超时为 TimeoutError。
type Adapter interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) ([]model.Listing, error)
}

// Registry 按市场名登记适配器，构造完成后只读。
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry 创建注册表。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register 登记适配器，同名覆盖。
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get 查找适配器。
func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// Names 返回已登记的市场名（排序）。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig 为每个启用的市场构造适配器。
//
// adapters 中配置为 http 的市场使用 HTTPJSON，其余使用 Mock。
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range cfg.Collection.EnabledMarketplaces {
		m, ok := model.ParseMarketplace(name)
		if !ok {
			return nil, &apperr.ConfigurationError{
				Field:  "collection.enabled_marketplaces",
				Reason: fmt.Sprintf("unknown marketplace %q", name),
			}
		}
		ac := cfg.Adapters[string(m)]
		switch strings.ToLower(ac.Kind) {
		case "http":
			reg.Register(NewHTTPJSON(m, HTTPConfig{
				BaseURL:   ac.BaseURL,
				UserAgent: ac.UserAgent,
				Timeout:   ac.Timeout,
			}, logger))
		case "", "mock":
			reg.Register(NewMock(m, MockConfig{
				Seed:        ac.Seed,
				Latency:     ac.Latency,
				FailureRate: ac.FailureRate,
			}))
		default:
			return nil, &apperr.ConfigurationError{
				Field:  "adapters." + string(m) + ".kind",
				Reason: fmt.Sprintf("unknown adapter kind %q", ac.Kind),
			}
		}
	}
	return reg, nil
}
