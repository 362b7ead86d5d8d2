package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
)

const defaultUserAgent = "comiccomp-collector/1.0"

// HTTPConfig HTTP JSON 适配器配置。
type HTTPConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // 单次请求上限，ctx 截止时间更早时以 ctx 为准
}

// HTTPJSON 调用 {base}/api/search?q=&limit= 的通用适配器。
//
// 响应体格式：{"results": [{"id", "title", "description", "price",
// "condition", "sale_type", "url", "image_url"}]}。
type HTTPJSON struct {
	marketplace model.Marketplace
	cfg         HTTPConfig
	client      *fasthttp.Client
	logger      *slog.Logger
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

type searchItem struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Condition   string          `json:"condition"`
	SaleType    string          `json:"sale_type"`
	URL         string          `json:"url"`
	ImageURL    string          `json:"image_url"`
}

// NewHTTPJSON 创建 HTTP JSON 适配器。
func NewHTTPJSON(m model.Marketplace, cfg HTTPConfig, log *slog.Logger) *HTTPJSON {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPJSON{
		marketplace: m,
		cfg:         cfg,
		client: &fasthttp.Client{
			Name:            cfg.UserAgent,
			MaxConnsPerHost: 16,
			ReadTimeout:     cfg.Timeout,
			WriteTimeout:    cfg.Timeout,
		},
		logger: logger.OrDiscard(log),
	}
}

func (h *HTTPJSON) Name() string { return string(h.marketplace) }

// Search 发起一次搜索请求。
func (h *HTTPJSON) Search(ctx context.Context, query string, opts SearchOptions) ([]model.Listing, error) {
	source := string(h.marketplace)
	if err := ctx.Err(); err != nil {
		return nil, &apperr.TimeoutError{Source: source, Err: err}
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/api/search?q=%s&limit=%d", h.cfg.BaseURL, url.QueryEscape(query), limit)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	req.Header.SetUserAgent(h.cfg.UserAgent)

	deadline := time.Now().Add(h.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := h.client.DoDeadline(req, resp, deadline)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return nil, &apperr.TimeoutError{Source: source, Timeout: h.cfg.Timeout, Err: err}
		}
		return nil, &apperr.NetworkError{Source: source, Err: err}
	}

	status := resp.StatusCode()
	h.logger.Debug("marketplace search response",
		slog.String("marketplace", source),
		slog.Int("status", status),
		slog.Duration("elapsed", elapsed))

	switch {
	case status == fasthttp.StatusTooManyRequests:
		return nil, &apperr.RateLimitError{
			Source:     source,
			RetryAfter: parseRetryAfter(string(resp.Header.Peek("Retry-After"))),
			Err:        fmt.Errorf("status %d", status),
		}
	case status >= 500:
		return nil, &apperr.NetworkError{Source: source, Err: fmt.Errorf("status %d: %s", status, truncate(resp.Body(), 200))}
	case status != fasthttp.StatusOK:
		return nil, fmt.Errorf("%s search returned status %d", source, status)
	}

	var body searchResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", source, err)
	}

	now := time.Now().UTC()
	listings := make([]model.Listing, 0, len(body.Results))
	for _, raw := range body.Results {
		var item searchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			h.logger.Warn("skip undecodable listing",
				slog.String("marketplace", source),
				slog.String("error", err.Error()))
			continue
		}
		listings = append(listings, model.Listing{
			ID:           item.ID,
			Marketplace:  h.marketplace,
			Title:        item.Title,
			Description:  item.Description,
			Price:        item.Price,
			ConditionRaw: item.Condition,
			SaleType:     model.SaleType(strings.ToLower(item.SaleType)),
			URL:          item.URL,
			ImageURL:     item.ImageURL,
			ScrapedAt:    now,
			RawData:      append(json.RawMessage(nil), raw...),
		})
		if len(listings) >= limit {
			break
		}
	}
	return listings, nil
}

// parseRetryAfter 支持秒数与 HTTP 日期两种格式。
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
