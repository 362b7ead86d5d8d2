// Package validate 校验并清洗市场返回的原始商品。
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

// 丢弃原因。
const (
	ReasonMissingField       = "missing_field"
	ReasonUnknownMarketplace = "unknown_marketplace"
	ReasonNonPositivePrice   = "non_positive_price"
	ReasonBelowMinPrice      = "below_min_price"
	ReasonAboveMaxPrice      = "above_max_price"
	ReasonSuspicious         = "suspicious_listing"
)

// 保留但标记的问题。
const (
	FlagConditionNotAllowed = "condition_not_allowed"
	FlagUnknownSaleType     = "unknown_sale_type"
)

var whitespace = regexp.MustCompile(`\s+`)

// Result 单条校验结果。Dropped 为 false 时 Listing 为清洗后的商品。
type Result struct {
	Listing model.Listing
	Dropped bool
	Reason  string
	Detail  string
	Flags   []string
}

// Err 将丢弃结果转换为 ValidationError，未丢弃时返回 nil。
func (r Result) Err() error {
	if !r.Dropped {
		return nil
	}
	reason := r.Reason
	if r.Detail != "" {
		reason += ": " + r.Detail
	}
	return &apperr.ValidationError{
		ListingID:   r.Listing.ID,
		Marketplace: string(r.Listing.Marketplace),
		Reason:      reason,
	}
}

// BatchResult 批量校验结果。
type BatchResult struct {
	Valid   []model.Listing
	Dropped []Result
	Flagged int
}

// Validator 商品校验器，构造后只读，可并发使用。
type Validator struct {
	minPrice   decimal.Decimal
	maxPrice   decimal.Decimal
	allowed    map[string]struct{}
	suspicious []*regexp.Regexp
	now        func() time.Time
}

// New 根据配置创建校验器；正则非法时返回 ConfigurationError。
func New(cfg config.ValidationConfig) (*Validator, error) {
	v := &Validator{
		minPrice: decimal.NewFromFloat(cfg.MinPrice),
		maxPrice: decimal.NewFromFloat(cfg.MaxPrice),
		now:      time.Now,
	}
	if len(cfg.AllowedConditions) > 0 {
		v.allowed = make(map[string]struct{}, len(cfg.AllowedConditions))
		for _, c := range cfg.AllowedConditions {
			v.allowed[normalizeKey(c)] = struct{}{}
		}
	}
	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, &apperr.ConfigurationError{
				Field:  "validation.suspicious_patterns",
				Reason: fmt.Sprintf("invalid pattern %q: %v", p, err),
			}
		}
		v.suspicious = append(v.suspicious, re)
	}
	return v, nil
}

// Clean 校验并清洗单条商品，不会 panic。
func (v *Validator) Clean(l model.Listing) Result {
	l.ID = strings.TrimSpace(l.ID)
	l.Title = collapse(l.Title)
	l.Description = strings.TrimSpace(l.Description)
	l.ConditionRaw = collapse(l.ConditionRaw)
	l.URL = strings.TrimSpace(l.URL)

	switch {
	case l.ID == "":
		return drop(l, ReasonMissingField, "id")
	case l.Title == "":
		return drop(l, ReasonMissingField, "title")
	case l.Marketplace == "":
		return drop(l, ReasonMissingField, "marketplace")
	case l.URL == "":
		return drop(l, ReasonMissingField, "url")
	}
	if !l.Marketplace.Valid() {
		return drop(l, ReasonUnknownMarketplace, string(l.Marketplace))
	}

	l.Price = l.Price.Round(2)
	switch {
	case !l.Price.IsPositive():
		return drop(l, ReasonNonPositivePrice, l.Price.String())
	case l.Price.LessThan(v.minPrice):
		return drop(l, ReasonBelowMinPrice, l.Price.StringFixed(2))
	case l.Price.GreaterThanOrEqual(v.maxPrice):
		return drop(l, ReasonAboveMaxPrice, l.Price.StringFixed(2))
	}

	for _, re := range v.suspicious {
		if re.MatchString(l.Title) || re.MatchString(l.Description) {
			return drop(l, ReasonSuspicious, re.String())
		}
	}

	var flags []string
	if !l.SaleType.Valid() {
		l.SaleType = model.SaleTypeFixed
		flags = append(flags, FlagUnknownSaleType)
	}
	if v.allowed != nil && l.ConditionRaw != "" {
		if _, ok := v.allowed[normalizeKey(l.ConditionRaw)]; !ok {
			flags = append(flags, FlagConditionNotAllowed)
		}
	}
	if l.ScrapedAt.IsZero() {
		l.ScrapedAt = v.now().UTC()
	}

	return Result{Listing: l, Flags: flags}
}

// CleanBatch 逐条校验，丢弃的商品不影响其余商品。
func (v *Validator) CleanBatch(listings []model.Listing) BatchResult {
	out := BatchResult{Valid: make([]model.Listing, 0, len(listings))}
	for _, l := range listings {
		r := v.Clean(l)
		if r.Dropped {
			out.Dropped = append(out.Dropped, r)
			continue
		}
		if len(r.Flags) > 0 {
			out.Flagged++
		}
		out.Valid = append(out.Valid, r.Listing)
	}
	return out
}

func drop(l model.Listing, reason, detail string) Result {
	metrics.ValidationDroppedTotal.WithLabelValues(reason).Inc()
	return Result{Listing: l, Dropped: true, Reason: reason, Detail: detail}
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func normalizeKey(s string) string {
	return strings.ToLower(collapse(s))
}
