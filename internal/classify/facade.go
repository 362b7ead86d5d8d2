// Package classify 将商品标题与描述归类为版本与品相。
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
)

// 校验问题。
const (
	IssueLowConfidence    = "low_confidence"
	IssueVariantConflict  = "variant_conflict"
	IssueUnclassified     = "unclassified_variant"
	IssueUnknownCondition = "unknown_condition"
)

// Item 待分类的商品文本。
type Item struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ConditionRaw string `json:"condition_raw,omitempty"`
}

// Validation 分类结果的可信度检查。
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues"`
}

// Result 单条分类结果。Error 非空时其余字段为零值。
type Result struct {
	ID                string          `json:"id,omitempty"`
	Variant           model.Variant   `json:"variant"`
	Condition         model.Condition `json:"condition"`
	OverallConfidence float64         `json:"overall_confidence"`
	Validation        Validation      `json:"validation"`
	// 首次计算耗时，缓存命中时沿用，保证同一输入输出一致
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	Error            string  `json:"error,omitempty"`
}

// clone 深拷贝切片与指针字段，调用方修改返回值不会影响缓存。
func (r Result) clone() Result {
	out := r
	out.Variant.PatternsMatched = slices.Clone(r.Variant.PatternsMatched)
	out.Variant.EdgeCases = slices.Clone(r.Variant.EdgeCases)
	out.Condition.SpecialDesignations = slices.Clone(r.Condition.SpecialDesignations)
	out.Condition.Grade = clonePtr(r.Condition.Grade)
	out.Condition.GradingService = clonePtr(r.Condition.GradingService)
	out.Condition.EstimatedGrade = clonePtr(r.Condition.EstimatedGrade)
	out.Validation.Issues = slices.Clone(r.Validation.Issues)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// BatchResult 批量分类结果，Results 与输入顺序一致。
type BatchResult struct {
	Results []Result     `json:"results"`
	Summary BatchSummary `json:"summary"`
}

// BatchSummary 批量分类的成功与失败条数。
type BatchSummary struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// CacheStats 缓存命中统计。
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Facade 组合版本与品相分类，带 LRU 缓存。
type Facade struct {
	variant     *VariantClassifier
	condition   *ConditionClassifier
	cache       *lru.Cache[string, Result]
	minConf     float64
	concurrency int
	threshold   float64
	catThresh   float64
	logger      *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewFacade 根据配置创建分类门面。
func NewFacade(cfg config.ClassificationConfig, log *slog.Logger) (*Facade, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, Result](size)
	if err != nil {
		return nil, &apperr.ConfigurationError{Field: "classification.cache_size", Reason: err.Error()}
	}
	conc := cfg.BatchConcurrency
	if conc <= 0 {
		conc = 8
	}
	return &Facade{
		variant:     NewVariantClassifier(nil),
		condition:   NewConditionClassifier(),
		cache:       cache,
		minConf:     cfg.MinConfidence,
		concurrency: conc,
		threshold:   cfg.AccuracyThreshold,
		catThresh:   cfg.CategoryThreshold,
		logger:      logger.OrDiscard(log),
	}, nil
}

// Classify 分类单条商品。同一文本重复调用返回完全相同的结果。
func (f *Facade) Classify(item Item) Result {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		err := &apperr.ClassificationError{Reason: "title is required"}
		return Result{ID: item.ID, Error: err.Error(), Validation: Validation{Issues: []string{}}}
	}

	desc := strings.TrimSpace(item.Description + " " + item.ConditionRaw)
	key := cacheKey(title, desc)
	if cached, ok := f.cache.Get(key); ok {
		f.hits.Add(1)
		metrics.ClassificationCacheTotal.WithLabelValues("hit").Inc()
		out := cached.clone()
		out.ID = item.ID
		return out
	}
	f.misses.Add(1)
	metrics.ClassificationCacheTotal.WithLabelValues("miss").Inc()

	start := time.Now()
	v := f.variant.Classify(title, desc)
	c := f.condition.Classify(title, desc)
	res := Result{
		Variant:           v,
		Condition:         c,
		OverallConfidence: clamp01((v.Confidence + c.Confidence) / 2),
	}
	res.Validation = f.validate(res)
	elapsed := time.Since(start)
	res.ProcessingTimeMs = float64(elapsed.Microseconds()) / 1000
	metrics.ClassificationDuration.Observe(elapsed.Seconds())

	f.cache.Add(key, res)
	out := res.clone()
	out.ID = item.ID
	return out
}

// ClassifyListing 分类一条已清洗的商品。
func (f *Facade) ClassifyListing(l model.Listing) (model.ClassifiedListing, error) {
	res := f.Classify(Item{ID: l.Key(), Title: l.Title, Description: l.Description, ConditionRaw: l.ConditionRaw})
	if res.Error != "" {
		return model.ClassifiedListing{Listing: l}, &apperr.ClassificationError{Reason: res.Error}
	}
	return model.ClassifiedListing{
		Listing:           l,
		Variant:           res.Variant,
		Condition:         res.Condition,
		OverallConfidence: res.OverallConfidence,
	}, nil
}

// ClassifyBatch 并发分类，单条失败不影响其余条目。ctx 结束后未开始的条目记为失败。
func (f *Facade) ClassifyBatch(ctx context.Context, items []Item) BatchResult {
	out := BatchResult{Results: make([]Result, len(items))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out.Results[i] = Result{ID: items[i].ID, Error: err.Error(), Validation: Validation{Issues: []string{}}}
				return nil
			}
			out.Results[i] = f.Classify(items[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.Error != "" {
			out.Summary.Failed++
		} else {
			out.Summary.Successful++
		}
	}
	if out.Summary.Failed > 0 {
		f.logger.Warn("batch classification had failures",
			slog.Int("total", len(items)),
			slog.Int("failed", out.Summary.Failed))
	}
	return out
}

// CacheStats 返回缓存统计。
func (f *Facade) CacheStats() CacheStats {
	return CacheStats{Size: f.cache.Len(), Hits: f.hits.Load(), Misses: f.misses.Load()}
}

func (f *Facade) validate(r Result) Validation {
	issues := []string{}
	if r.OverallConfidence < f.minConf {
		issues = append(issues, IssueLowConfidence)
	}
	for _, ec := range r.Variant.EdgeCases {
		if ec == EdgeUnclassified {
			issues = append(issues, IssueUnclassified)
		} else if strings.HasSuffix(ec, "_conflict") || ec == EdgeMultipleCovers {
			if !containsString(issues, IssueVariantConflict) {
				issues = append(issues, IssueVariantConflict)
			}
		}
	}
	if r.Condition.Condition == ConditionUnknown {
		issues = append(issues, IssueUnknownCondition)
	}
	return Validation{IsValid: len(issues) == 0, Issues: issues}
}

// cacheKey 对规范化后的标题与描述取 sha256。
func cacheKey(title, description string) string {
	sum := sha256.Sum256([]byte(normalizeText(title) + "\x00" + normalizeText(description)))
	return hex.EncodeToString(sum[:])
}
