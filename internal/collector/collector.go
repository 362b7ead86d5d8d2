// Package collector 编排多市场并发采集：限流、超时、重试、校验、分类与入库。
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/jaydubya818/comicogs-sub003/internal/adapter"
	"github.com/jaydubya818/comicogs-sub003/internal/aggregate"
	"github.com/jaydubya818/comicogs-sub003/internal/classify"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/metrics"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/ratelimit"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/retry"
	"github.com/jaydubya818/comicogs-sub003/internal/validate"
)

const (
	retryJitter    = 0.2
	persistTimeout = 10 * time.Second
)

// Store 采集结果的持久化能力，可以为 nil。
type Store interface {
	InsertPricingData(ctx context.Context, row *model.PricingData) (uint, error)
	CreateJob(ctx context.Context, job *model.CollectionJob) error
	FinishJob(ctx context.Context, job *model.CollectionJob) error
}

// Aggregator 入库后刷新当天价格桶。
type Aggregator interface {
	UpdatePriceHistory(ctx context.Context, itemID, marketplace string, day time.Time) ([]model.PriceHistoryBucket, error)
}

// Deps 编排器依赖。Registry 必填，其余为空时使用默认实现或跳过对应步骤。
type Deps struct {
	Registry   *adapter.Registry
	Limiters   *ratelimit.Table
	Validator  *validate.Validator
	Classifier *classify.Facade
	Store      Store
	Aggregator Aggregator
	Logger     *slog.Logger
}

// Options 单次采集参数。
type Options struct {
	MaxResults   int           // 每个市场最大结果数，0 使用配置
	Marketplaces []string      // 为空时使用全部启用的市场
	Timeout      time.Duration // 整次调用的截止时间，到期返回已完成的部分
	ItemID       string        // 关联的刊物 ID，设置后刷新价格历史
	Classify     bool
}

// CollectionError 单个市场（或整次调用）的失败记录。
type CollectionError struct {
	Marketplace string      `json:"marketplace,omitempty"`
	Kind        apperr.Kind `json:"kind"`
	Message     string      `json:"message"`
	Attempts    int         `json:"attempts"`
	At          time.Time   `json:"at"`
}

func (e CollectionError) Error() string {
	if e.Marketplace == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Marketplace, e.Message)
}

// Summary 采集汇总。
type Summary struct {
	JobID                  string         `json:"job_id,omitempty"`
	Query                  string         `json:"query"`
	MarketplacesSearched   int            `json:"marketplaces_searched"`
	MarketplacesSuccessful int            `json:"marketplaces_successful"`
	RawResults             int            `json:"raw_results"`   // 适配器返回总数
	TotalResults           int            `json:"total_results"` // 校验后保留数
	Dropped                int            `json:"dropped"`
	Flagged                int            `json:"flagged"`
	Counts                 map[string]int `json:"counts"`
	DurationMs             int64          `json:"duration_ms"`
}

// ProcessedData 清洗（及分类）后的商品与整体价格统计。
type ProcessedData struct {
	Listings  []model.ClassifiedListing `json:"listings"`
	Stats     aggregate.Stats           `json:"stats"`
	Persisted int                       `json:"persisted"`
}

// Result CollectPricingData 的返回值。失败以 Warnings/Errors 的形式返回，不会中断调用。
type Result struct {
	RawData       map[model.Marketplace][]model.Listing `json:"raw_data"`
	ProcessedData ProcessedData                         `json:"processed_data"`
	Summary       Summary                               `json:"summary"`
	Warnings      []string                              `json:"warnings"`
	Errors        []CollectionError                     `json:"errors"`
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Orchestrator 采集编排器。每个实例持有自己的限流表与统计，互不干扰。
type Orchestrator struct {
	cfg        config.CollectionConfig
	registry   *adapter.Registry
	limiters   *ratelimit.Table
	validator  *validate.Validator
	classifier *classify.Facade
	store      Store
	aggregator Aggregator
	logger     *slog.Logger

	startedAt  time.Time
	counters   map[string]*marketCounters // 构造后只读
	errorCount atomic.Int64
	recent     *errorRing
}

// New 创建编排器。没有启用的市场或启用的市场没有适配器时返回 *apperr.ConfigurationError。
func New(cfg config.CollectionConfig, deps Deps) (*Orchestrator, error) {
	if len(cfg.EnabledMarketplaces) == 0 {
		return nil, &apperr.ConfigurationError{Field: "collection.enabled_marketplaces", Reason: "no marketplaces enabled"}
	}
	if deps.Registry == nil {
		return nil, &apperr.ConfigurationError{Field: "adapters", Reason: "adapter registry is required"}
	}

	enabled := make([]string, 0, len(cfg.EnabledMarketplaces))
	for _, name := range cfg.EnabledMarketplaces {
		m, ok := model.ParseMarketplace(name)
		if !ok {
			return nil, &apperr.ConfigurationError{Field: "collection.enabled_marketplaces", Reason: fmt.Sprintf("unknown marketplace %q", name)}
		}
		if _, ok := deps.Registry.Get(string(m)); !ok {
			return nil, &apperr.ConfigurationError{Field: "collection.enabled_marketplaces", Reason: fmt.Sprintf("no adapter registered for %q", m)}
		}
		enabled = append(enabled, string(m))
	}
	cfg.EnabledMarketplaces = enabled
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	v := deps.Validator
	if v == nil {
		var err error
		if v, err = validate.New(config.Default().Validation); err != nil {
			return nil, err
		}
	}

	names := deps.Registry.Names()
	limiters := deps.Limiters
	if limiters == nil {
		limiters = ratelimit.NewTable(names, ratelimit.LocalFactory(func(m string) ratelimit.Spec {
			spec := cfg.RateLimit.RateFor(m)
			return ratelimit.Spec{Rate: spec.Rate, Burst: spec.Burst}
		}))
	}

	counters := make(map[string]*marketCounters, len(names))
	for _, name := range names {
		counters[name] = &marketCounters{}
	}

	return &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		limiters:   limiters,
		validator:  v,
		classifier: deps.Classifier,
		store:      deps.Store,
		aggregator: deps.Aggregator,
		logger:     logger.OrDiscard(deps.Logger),
		startedAt:  time.Now(),
		counters:   counters,
		recent:     newErrorRing(cfg.RecentErrorLimit),
	}, nil
}

// EnabledMarketplaces 返回默认采集的市场。
func (o *Orchestrator) EnabledMarketplaces() []string {
	out := make([]string, len(o.cfg.EnabledMarketplaces))
	copy(out, o.cfg.EnabledMarketplaces)
	return out
}

// outcome 单个市场的采集结果，每个任务只写自己的下标。
type outcome struct {
	marketplace string
	listings    []model.Listing
	attempts    int
	elapsed     time.Duration
	err         error
}

// CollectPricingData 并发搜索各市场并汇总结果。
//
// 单个市场失败只记录在 Errors 中，不影响其它市场；Options.Timeout 到期时
// 未完成的市场记为超时，已完成的结果照常返回。
func (o *Orchestrator) CollectPricingData(ctx context.Context, query string, opts Options) *Result {
	start := time.Now()
	metrics.ActiveCollections.Inc()
	defer metrics.ActiveCollections.Dec()

	query = strings.TrimSpace(query)
	res := &Result{
		RawData:  make(map[model.Marketplace][]model.Listing),
		Warnings: []string{},
		Errors:   []CollectionError{},
		Summary:  Summary{Query: query, Counts: make(map[string]int)},
		ProcessedData: ProcessedData{
			Listings: []model.ClassifiedListing{},
		},
	}
	defer func() { res.Summary.DurationMs = time.Since(start).Milliseconds() }()

	if query == "" {
		res.warn("empty query, no marketplace searched")
		o.recordError(res, CollectionError{Kind: apperr.KindValidation, Message: "query is empty"})
		return res
	}

	targets := o.selectMarketplaces(res, opts.Marketplaces)
	if len(targets) == 0 {
		return res
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = o.cfg.MaxResults
	}

	job := o.startJob(ctx, query, opts.ItemID)
	if job != nil {
		res.Summary.JobID = job.JobID
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	o.logger.Info("collection started",
		slog.String("query", query),
		slog.Int("marketplaces", len(targets)),
		slog.Int("max_results", maxResults))

	outcomes := make([]outcome, len(targets))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentRequests)
	for i, a := range targets {
		i, a := i, a
		g.Go(func() error {
			outcomes[i] = o.searchMarketplace(runCtx, a, query, maxResults)
			return nil
		})
	}
	_ = g.Wait()

	res.Summary.MarketplacesSearched = len(targets)
	var cleaned []model.Listing
	for _, out := range outcomes {
		ok := out.err == nil
		if c := o.counters[out.marketplace]; c != nil {
			c.record(ok, out.elapsed)
		}
		metrics.CollectorRequestDuration.WithLabelValues(out.marketplace).Observe(out.elapsed.Seconds())

		if !ok {
			metrics.CollectorRequestsTotal.WithLabelValues(out.marketplace, "failure").Inc()
			ce := CollectionError{
				Marketplace: out.marketplace,
				Kind:        apperr.KindOf(out.err),
				Message:     out.err.Error(),
				Attempts:    out.attempts,
			}
			metrics.CollectorErrorsTotal.WithLabelValues(out.marketplace, ce.Kind.String()).Inc()
			o.recordError(res, ce)
			res.warn(fmt.Sprintf("%s: search failed after %d attempt(s): %s", out.marketplace, out.attempts, out.err))
			o.logger.Warn("marketplace search failed",
				slog.String("marketplace", out.marketplace),
				slog.Int("attempts", out.attempts),
				slog.String("kind", ce.Kind.String()),
				slog.String("error", out.err.Error()))
			continue
		}

		metrics.CollectorRequestsTotal.WithLabelValues(out.marketplace, "success").Inc()
		res.Summary.MarketplacesSuccessful++
		res.Summary.RawResults += len(out.listings)

		batch := o.validator.CleanBatch(out.listings)
		res.Summary.Dropped += len(batch.Dropped)
		res.Summary.Flagged += batch.Flagged
		for _, d := range batch.Dropped {
			res.warn(d.Err().Error())
		}

		valid := mergeListings(batch.Valid)
		m := model.Marketplace(out.marketplace)
		res.RawData[m] = valid
		res.Summary.Counts[out.marketplace] = len(valid)
		res.Summary.TotalResults += len(valid)
		cleaned = append(cleaned, valid...)
	}

	o.process(ctx, res, cleaned, opts)
	o.finishJob(ctx, job, res)

	o.logger.Info("collection finished",
		slog.String("query", query),
		slog.Int("searched", res.Summary.MarketplacesSearched),
		slog.Int("successful", res.Summary.MarketplacesSuccessful),
		slog.Int("results", res.Summary.TotalResults),
		slog.Duration("elapsed", time.Since(start)))
	return res
}

// selectMarketplaces 解析请求的市场，未知或未注册的记为警告并跳过。
func (o *Orchestrator) selectMarketplaces(res *Result, requested []string) []adapter.Adapter {
	names := requested
	if len(names) == 0 {
		names = o.cfg.EnabledMarketplaces
	}
	seen := make(map[string]bool, len(names))
	targets := make([]adapter.Adapter, 0, len(names))
	for _, raw := range names {
		m, ok := model.ParseMarketplace(raw)
		if !ok {
			res.warn(fmt.Sprintf("unknown marketplace %q skipped", raw))
			o.recordError(res, CollectionError{Marketplace: raw, Kind: apperr.KindConfiguration, Message: "unknown marketplace"})
			continue
		}
		if seen[string(m)] {
			continue
		}
		seen[string(m)] = true
		a, ok := o.registry.Get(string(m))
		if !ok {
			res.warn(fmt.Sprintf("marketplace %q has no adapter, skipped", m))
			o.recordError(res, CollectionError{Marketplace: string(m), Kind: apperr.KindConfiguration, Message: "no adapter registered"})
			continue
		}
		targets = append(targets, a)
	}
	return targets
}

// searchMarketplace 在限流与重试策略下搜索单个市场。
func (o *Orchestrator) searchMarketplace(ctx context.Context, a adapter.Adapter, query string, maxResults int) outcome {
	name := a.Name()
	start := time.Now()

	policy := retry.Policy{
		MaxRetries: o.cfg.MaxRetries,
		BaseDelay:  o.cfg.RetryDelay,
		MaxDelay:   o.cfg.MaxRetryDelay,
		Jitter:     retryJitter,
		Retryable:  apperr.Retryable,
		RetryAfter: apperr.RetryAfter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.CollectorRetriesTotal.WithLabelValues(name).Inc()
			o.logger.Debug("retrying marketplace search",
				slog.String("marketplace", name),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		},
	}

	var listings []model.Listing
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := o.limiters.Acquire(ctx, name); err != nil {
			return &apperr.TimeoutError{Source: name, Err: err}
		}
		got, err := o.attempt(ctx, a, query, maxResults)
		if err != nil {
			return err
		}
		listings = got
		return nil
	})
	if err != nil && ctx.Err() != nil && apperr.KindOf(err) == apperr.KindUnknown {
		err = &apperr.TimeoutError{Source: name, Err: ctx.Err()}
	}
	return outcome{
		marketplace: name,
		listings:    listings,
		attempts:    attempts,
		elapsed:     time.Since(start),
		err:         err,
	}
}

// attempt 执行一次带超时的搜索。适配器不响应取消时由 select 强制返回。
func (o *Orchestrator) attempt(ctx context.Context, a adapter.Adapter, query string, maxResults int) ([]model.Listing, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	type reply struct {
		listings []model.Listing
		err      error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		l, err := a.Search(actx, query, adapter.SearchOptions{MaxResults: maxResults})
		ch <- reply{listings: l, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
			apperr.KindOf(r.err) != apperr.KindTimeout {
			return nil, &apperr.TimeoutError{Source: a.Name(), Timeout: o.cfg.Timeout, Err: r.err}
		}
		return r.listings, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, &apperr.TimeoutError{Source: a.Name(), Err: err}
		}
		return nil, &apperr.TimeoutError{Source: a.Name(), Timeout: o.cfg.Timeout, Err: actx.Err()}
	}
}

// process 分类、统计、入库并刷新价格历史。调用方的截止时间不影响这一步。
func (o *Orchestrator) process(ctx context.Context, res *Result, cleaned []model.Listing, opts Options) {
	prices := make([]decimal.Decimal, 0, len(cleaned))
	for _, l := range cleaned {
		prices = append(prices, l.Price)
		cl := model.ClassifiedListing{Listing: l}
		if opts.Classify && o.classifier != nil {
			var err error
			if cl, err = o.classifier.ClassifyListing(l); err != nil {
				res.warn(fmt.Sprintf("%s: %s", l.Key(), err))
			}
		}
		res.ProcessedData.Listings = append(res.ProcessedData.Listings, cl)
	}
	res.ProcessedData.Stats = aggregate.ComputeStats(prices)

	if o.store == nil || len(cleaned) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	for _, cl := range res.ProcessedData.Listings {
		row := model.NewClassifiedPricingData(opts.ItemID, cl)
		if _, err := o.store.InsertPricingData(pctx, &row); err != nil {
			res.warn(fmt.Sprintf("%s: persist failed: %s", cl.Key(), err))
			continue
		}
		res.ProcessedData.Persisted++
	}

	if opts.ItemID == "" || o.aggregator == nil {
		return
	}
	now := time.Now()
	for m, listings := range res.RawData {
		if len(listings) == 0 {
			continue
		}
		if _, err := o.aggregator.UpdatePriceHistory(pctx, opts.ItemID, string(m), now); err != nil {
			res.warn(fmt.Sprintf("%s: update price history failed: %s", m, err))
		}
	}
}

func (o *Orchestrator) startJob(ctx context.Context, query, itemID string) *model.CollectionJob {
	if o.store == nil {
		return nil
	}
	job := &model.CollectionJob{
		JobID:     uuid.NewString(),
		Query:     query,
		ItemID:    itemID,
		Status:    model.JobStatusRunning,
		StartedAt: time.Now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.logger.Warn("create collection job failed", slog.String("error", err.Error()))
		return nil
	}
	return job
}

func (o *Orchestrator) finishJob(ctx context.Context, job *model.CollectionJob, res *Result) {
	if job == nil {
		return
	}
	finished := time.Now()
	job.FinishedAt = &finished
	job.Status = model.JobStatusCompleted
	if res.Summary.MarketplacesSearched > 0 && res.Summary.MarketplacesSuccessful == 0 {
		job.Status = model.JobStatusFailed
	}
	job.MarketplacesSearched = res.Summary.MarketplacesSearched
	job.MarketplacesSuccessful = res.Summary.MarketplacesSuccessful
	job.TotalResults = res.Summary.TotalResults
	if b, err := json.Marshal(res.Summary.Counts); err == nil {
		job.Counts = datatypes.JSON(b)
	}
	if b, err := json.Marshal(res.Errors); err == nil {
		job.Errors = datatypes.JSON(b)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.FinishJob(pctx, job); err != nil {
		o.logger.Warn("finish collection job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordError(res *Result, ce CollectionError) {
	if ce.At.IsZero() {
		ce.At = time.Now()
	}
	res.Errors = append(res.Errors, ce)
	o.errorCount.Add(1)
	o.recent.add(ce)
}

// mergeListings 按 (marketplace, id) 合并，保留首次出现的位置，内容以最后一条为准。
func mergeListings(in []model.Listing) []model.Listing {
	index := make(map[string]int, len(in))
	out := make([]model.Listing, 0, len(in))
	for _, l := range in {
		if i, ok := index[l.Key()]; ok {
			out[i] = l
			continue
		}
		index[l.Key()] = len(out)
		out = append(out, l)
	}
	return out
}
