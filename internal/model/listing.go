package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Marketplace 数据来源（市场）名称。
type Marketplace string

const (
	MarketplaceEbay         Marketplace = "ebay"
	MarketplaceMyComicShop  Marketplace = "mycomicshop"
	MarketplaceComicConnect Marketplace = "comicconnect"
	MarketplaceHeritage     Marketplace = "heritage"
	MarketplaceWhatnot      Marketplace = "whatnot"
	MarketplaceCOMC         Marketplace = "comc"
)

var marketplaceNames = map[Marketplace]string{
	MarketplaceEbay:         "eBay",
	MarketplaceMyComicShop:  "MyComicShop",
	MarketplaceComicConnect: "ComicConnect",
	MarketplaceHeritage:     "Heritage Auctions",
	MarketplaceWhatnot:      "Whatnot",
	MarketplaceCOMC:         "COMC",
}

// Valid 判断是否为已知市场。
func (m Marketplace) Valid() bool {
	_, ok := marketplaceNames[m]
	return ok
}

// DisplayName 返回展示用名称，未知市场原样返回。
func (m Marketplace) DisplayName() string {
	if name, ok := marketplaceNames[m]; ok {
		return name
	}
	return string(m)
}

// ParseMarketplace 解析市场名称（忽略大小写与首尾空白）。
func ParseMarketplace(s string) (Marketplace, bool) {
	m := Marketplace(strings.ToLower(strings.TrimSpace(s)))
	return m, m.Valid()
}

// Marketplaces 返回全部已知市场（按名称排序）。
func Marketplaces() []Marketplace {
	out := make([]Marketplace, 0, len(marketplaceNames))
	for m := range marketplaceNames {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SaleType 成交方式。
type SaleType string

const (
	SaleTypeAuction SaleType = "auction"
	SaleTypeFixed   SaleType = "fixed"
)

// Valid 判断成交方式是否合法。
func (s SaleType) Valid() bool {
	return s == SaleTypeAuction || s == SaleTypeFixed
}

// Listing 表示从单个市场抓取到的一条原始商品记录。
//
// ID 是商品在源市场的唯一标识，(Marketplace, ID) 相同的记录视为同一商品，
// 价格与品相以最后写入为准。
type Listing struct {
	ID           string          `json:"id"`
	Marketplace  Marketplace     `json:"marketplace"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	ConditionRaw string          `json:"condition_raw,omitempty"`
	SaleType     SaleType        `json:"sale_type"`
	URL          string          `json:"url"`
	ImageURL     string          `json:"image_url,omitempty"`
	ScrapedAt    time.Time       `json:"scraped_at"`
	RawData      json.RawMessage `json:"raw_data,omitempty"`
}

// Key 返回冲突合并使用的键。
func (l Listing) Key() string {
	return string(l.Marketplace) + ":" + l.ID
}

// Variant 版本（版次 / 封面 / 错版）分类结果。
type Variant struct {
	Type            string   `json:"type"`
	Subtype         string   `json:"subtype"`
	Confidence      float64  `json:"confidence"`
	PatternsMatched []string `json:"patterns_matched"`
	EdgeCases       []string `json:"edge_cases"`
}

// Condition 品相分类结果。
//
// 未评级商品 Grade 为 nil，EstimatedGrade 为品相词汇对应的标准分值。
type Condition struct {
	Condition           string   `json:"condition"`
	Grade               *float64 `json:"grade"`
	GradingService      *string  `json:"grading_service"`
	IsGraded            bool     `json:"is_graded"`
	SpecialDesignations []string `json:"special_designations"`
	Confidence          float64  `json:"confidence"`
	EstimatedGrade      *float64 `json:"estimated_grade,omitempty"`
}

// ClassifiedListing 带分类结果的商品记录。
type ClassifiedListing struct {
	Listing
	Variant           Variant   `json:"variant"`
	Condition         Condition `json:"condition"`
	OverallConfidence float64   `json:"overall_confidence"`
}

// MarketplaceStats 单个市场的采集统计（进程内累计，重启清零）。
type MarketplaceStats struct {
	TotalSearches         int64   `json:"total_searches"`
	SuccessfulSearches    int64   `json:"successful_searches"`
	ErrorRate             float64 `json:"error_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
}

// GradeKey 将可空评级分数转换为存储键（0 表示未评级）。
func GradeKey(grade *float64) float64 {
	if grade == nil {
		return 0
	}
	return *grade
}

// GradeFromKey 是 GradeKey 的逆操作。
func GradeFromKey(key float64) *float64 {
	if key <= 0 {
		return nil
	}
	g := key
	return &g
}

// DateKey 返回 UTC 日期字符串（price_history 的日期粒度）。
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
